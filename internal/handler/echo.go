package handler

import (
	"context"

	"github.com/rs/zerolog/log"

	"go.landform.dev/worker/internal/queue"
)

// Echo is the reference handler: accepts everything and logs the message.
// Pipeline commands supply their own Handler; Echo exists so the bare worker
// binary can run against a live queue and so tests have a trivial contract
// implementation.
type Echo struct{}

func (Echo) Accept(m *queue.Message) (bool, string) { return true, "" }

func (Echo) Handle(ctx context.Context, m *queue.Message) error {
	log.Info().Str("messageId", m.MessageID).Str("body", m.Body).Msg("echo: handled")
	return nil
}

func (Echo) Describe(m *queue.Message, verbose bool) string {
	if verbose {
		return m.Body
	}
	if len(m.Body) > 80 {
		return m.Body[:80] + "..."
	}
	return m.Body
}
