package instancecontrol

import "context"

// Fake is an in-memory Adapter for tests of lifecycle/dispatch code that
// depend on instancecontrol.Adapter without exercising real cloud calls.
type Fake struct {
	InstanceID string
	HasID      bool

	Stopped           []string
	ScaleInProtection map[string]bool
	GroupSizes        map[string][3]*int32
	GroupSizeCalls    int
	ShutdownRequested int

	StopErr error
}

func NewFake(instanceID string) *Fake {
	return &Fake{
		InstanceID:        instanceID,
		HasID:             instanceID != "",
		ScaleInProtection: map[string]bool{},
		GroupSizes:        map[string][3]*int32{},
	}
}

func (f *Fake) SelfInstanceID(ctx context.Context) (string, bool) {
	return f.InstanceID, f.HasID
}

func (f *Fake) Stop(ctx context.Context, instanceID string) error {
	if f.StopErr != nil {
		return f.StopErr
	}
	f.Stopped = append(f.Stopped, instanceID)
	return nil
}

func (f *Fake) SetScaleInProtection(ctx context.Context, group, instanceID string, enabled bool) error {
	f.ScaleInProtection[group+"/"+instanceID] = enabled
	return nil
}

func (f *Fake) SetGroupSize(ctx context.Context, group string, min, desired, max *int32) error {
	f.GroupSizes[group] = [3]*int32{min, desired, max}
	f.GroupSizeCalls++
	return nil
}

func (f *Fake) RequestShutdown(ctx context.Context) error {
	f.ShutdownRequested++
	return nil
}

var _ Adapter = (*Fake)(nil)
