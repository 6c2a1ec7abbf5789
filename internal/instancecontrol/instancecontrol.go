// Package instancecontrol exposes the narrow compute-control surface the
// worker needs: self-instance identity, stop-self, scale-in protection,
// autoscaling group sizing, and OS shutdown. Every call reports failure to
// its caller instead of propagating into the service loop, and the cloud
// calls sit behind a circuit breaker.
package instancecontrol

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Adapter is the narrow contract the rest of the chassis depends on. All
// methods report success/failure without ever returning a value the caller
// must treat as fatal.
type Adapter interface {
	SelfInstanceID(ctx context.Context) (string, bool)
	Stop(ctx context.Context, instanceID string) error
	SetScaleInProtection(ctx context.Context, group, instanceID string, enabled bool) error
	SetGroupSize(ctx context.Context, group string, min, desired, max *int32) error
	RequestShutdown(ctx context.Context) error
}

// AWSAdapter implements Adapter over EC2 + Auto Scaling.
type AWSAdapter struct {
	EC2         *ec2.Client
	Autoscaling *autoscaling.Client
	breaker     *gobreaker.CircuitBreaker
}

func NewAWSAdapter(ec2Client *ec2.Client, asgClient *autoscaling.Client) *AWSAdapter {
	return &AWSAdapter{
		EC2:         ec2Client,
		Autoscaling: asgClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "instancecontrol",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
	}
}

// SelfInstanceID is best-effort: IMDS is unavailable outside EC2, so a
// failure here returns ok=false rather than an error.
func (a *AWSAdapter) SelfInstanceID(ctx context.Context) (string, bool) {
	id, err := fetchIMDSInstanceID(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("instancecontrol: self-instance-id unavailable")
		return "", false
	}
	return id, true
}

func (a *AWSAdapter) Stop(ctx context.Context, instanceID string) error {
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return a.EC2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	})
	if err != nil {
		log.Error().Err(err).Str("instanceId", instanceID).Msg("instancecontrol: stop failed")
		return fmt.Errorf("instancecontrol: stop %s: %w", instanceID, err)
	}
	return nil
}

func (a *AWSAdapter) SetScaleInProtection(ctx context.Context, group, instanceID string, enabled bool) error {
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return a.Autoscaling.SetInstanceProtection(ctx, &autoscaling.SetInstanceProtectionInput{
			AutoScalingGroupName: aws.String(group),
			InstanceIds:          []string{instanceID},
			ProtectedFromScaleIn: aws.Bool(enabled),
		})
	})
	if err != nil {
		log.Error().Err(err).Str("group", group).Str("instanceId", instanceID).Bool("enabled", enabled).
			Msg("instancecontrol: set-scale-in-protection failed")
		return fmt.Errorf("instancecontrol: scale-in-protection %s/%s: %w", group, instanceID, err)
	}
	return nil
}

func (a *AWSAdapter) SetGroupSize(ctx context.Context, group string, min, desired, max *int32) error {
	in := &autoscaling.UpdateAutoScalingGroupInput{AutoScalingGroupName: aws.String(group)}
	in.MinSize = min
	in.DesiredCapacity = desired
	in.MaxSize = max
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return a.Autoscaling.UpdateAutoScalingGroup(ctx, in)
	})
	if err != nil {
		log.Error().Err(err).Str("group", group).Msg("instancecontrol: set-group-size failed")
		return fmt.Errorf("instancecontrol: group size %s: %w", group, err)
	}
	return nil
}

// RequestShutdown issues an OS-level shutdown. Linux-only in this chassis,
// matching the worker fleet's deployment target; other platforms report a
// clear error rather than silently no-op.
func (a *AWSAdapter) RequestShutdown(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("instancecontrol: os shutdown is only implemented on linux, got %s", runtime.GOOS)
	}
	cmd := exec.CommandContext(ctx, "shutdown", "-h", "now")
	if err := cmd.Run(); err != nil {
		log.Error().Err(err).Msg("instancecontrol: os shutdown request failed")
		return fmt.Errorf("instancecontrol: shutdown: %w", err)
	}
	return nil
}
