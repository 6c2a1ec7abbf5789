// Package cli implements the operator utility commands: bounded one-shot
// operations against the queues, process liveness reporting and the watchdog
// leak test. Each runs to completion and the process exits; they are
// mutually exclusive with service mode.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"go.landform.dev/worker/internal/queue"
)

// peekVisibility is the short override lease used by peek so the messages
// reappear almost immediately.
const peekVisibility = 1 * time.Second

const utilityLongPoll = 2 * time.Second

// Peek receives up to n messages with a short visibility override, logs
// each, and leaves them in the queue.
func Peek(ctx context.Context, q queue.Queue, n int) error {
	seen := 0
	for seen < n {
		batch := n - seen
		if batch > 10 {
			batch = 10
		}
		msgs, err := q.Dequeue(ctx, batch, utilityLongPoll, peekVisibility)
		if err != nil {
			return fmt.Errorf("peek: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			seen++
			log.Info().Str("queue", q.Name()).Str("messageId", m.MessageID).
				Int("receiveCount", m.ApproxReceiveCount).Dur("age", m.Age(time.Now())).
				Str("body", m.Body).Msgf("peek %d/%d", seen, n)
		}
	}
	log.Info().Int("seen", seen).Int("requested", n).Str("queue", q.Name()).Msg("peek complete")
	return nil
}

// Drop receives and deletes up to n messages.
func Drop(ctx context.Context, q queue.Queue, n int) error {
	dropped := 0
	for dropped < n {
		batch := n - dropped
		if batch > 10 {
			batch = 10
		}
		msgs, err := q.Dequeue(ctx, batch, utilityLongPoll, 0)
		if err != nil {
			return fmt.Errorf("drop: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if err := q.Delete(ctx, m); err != nil {
				return fmt.Errorf("drop: delete %s: %w", m.MessageID, err)
			}
			dropped++
			log.Info().Str("messageId", m.MessageID).Msgf("dropped %d/%d", dropped, n)
		}
	}
	log.Info().Int("dropped", dropped).Str("queue", q.Name()).Msg("drop complete")
	return nil
}

// Move transfers up to n messages from one queue to the other: enqueue to
// dst first, delete from src after, so a crash mid-move duplicates rather
// than loses. Used for both retry (fail -> main) and fail (main -> fail).
func Move(ctx context.Context, src, dst queue.Queue, n int) error {
	moved := 0
	for moved < n {
		batch := n - moved
		if batch > 10 {
			batch = 10
		}
		msgs, err := src.Dequeue(ctx, batch, utilityLongPoll, 0)
		if err != nil {
			return fmt.Errorf("move: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if err := dst.Enqueue(ctx, m.Body); err != nil {
				return fmt.Errorf("move: enqueue to %s: %w", dst.Name(), err)
			}
			if err := src.Delete(ctx, m); err != nil {
				return fmt.Errorf("move: delete from %s: %w", src.Name(), err)
			}
			moved++
		}
	}
	log.Info().Int("moved", moved).Str("from", src.Name()).Str("to", dst.Name()).Msg("move complete")
	return nil
}

// Send enqueues a payload: "@path" (or an existing file path) loads the file
// verbatim; anything else is wrapped as a generic {"url": ...} body.
func Send(ctx context.Context, q queue.Queue, urlOrFile string) error {
	payload, err := buildPayload(urlOrFile)
	if err != nil {
		return err
	}
	if err := q.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	log.Info().Str("queue", q.Name()).Int("bytes", len(payload)).Msg("sent")
	return nil
}

func buildPayload(urlOrFile string) (string, error) {
	path := strings.TrimPrefix(urlOrFile, "@")
	if strings.HasPrefix(urlOrFile, "@") {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("send: read %s: %w", path, err)
		}
		return string(data), nil
	}
	if st, err := os.Stat(urlOrFile); err == nil && !st.IsDir() {
		data, err := os.ReadFile(urlOrFile)
		if err != nil {
			return "", fmt.Errorf("send: read %s: %w", urlOrFile, err)
		}
		return string(data), nil
	}
	body, err := json.Marshal(map[string]string{"url": urlOrFile})
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return string(body), nil
}

// DeleteQueues removes the main queue and, when present, the fail queue.
// The backends refuse unowned queues.
func DeleteQueues(ctx context.Context, main, fail queue.Queue) error {
	if err := main.DeleteQueue(ctx); err != nil {
		return err
	}
	log.Info().Str("queue", main.Name()).Msg("queue deleted")
	if fail != nil {
		if err := fail.DeleteQueue(ctx); err != nil {
			return err
		}
		log.Info().Str("queue", fail.Name()).Msg("fail queue deleted")
	}
	return nil
}

// CheckProcesses reports liveness of the named processes.
func CheckProcesses(ctx context.Context, names []string) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("check-processes: %w", err)
	}
	running := map[string]bool{}
	for _, p := range procs {
		if n, err := p.NameWithContext(ctx); err == nil {
			running[n] = true
		}
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		log.Info().Str("process", name).Bool("running", running[name]).Msg("process liveness")
	}
	return nil
}

// LeakTest allocates gib gibibytes and holds them so an operator can watch
// the watchdog thresholds fire. Touches each page so the memory is resident.
func LeakTest(ctx context.Context, gib int) {
	const chunk = 1 << 30
	held := make([][]byte, 0, gib)
	for i := 0; i < gib; i++ {
		buf := make([]byte, chunk)
		for off := 0; off < len(buf); off += 4096 {
			buf[off] = 1
		}
		held = append(held, buf)
		log.Info().Int("allocatedGiB", i+1).Msg("leak test: allocated")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	log.Info().Int("heldGiB", len(held)).Msg("leak test: holding until interrupted")
	<-ctx.Done()
}
