// Package service holds the payment settlement and dispute resolution logic.
package service

import (
	"context"
	"errors"
	"time"

	"settlement-service/internal/repository"

	log "github.com/sirupsen/logrus"
)

// Actor is the authenticated caller as reported by the upstream auth layer.
type Actor struct {
	ID    string
	Admin bool
}

// SystemActor performs transitions triggered by gateway webhooks.
var SystemActor = Actor{ID: "system", Admin: true}

const maxAttempts = 3

// retryDelay is the first backoff between attempts; it doubles each time.
var retryDelay = time.Second

// retryTransient runs fn up to maxAttempts times while it fails with a
// retryable storage error, backing off exponentially in between.
func retryTransient(ctx context.Context, fields log.Fields, fn func() error) error {
	delay := retryDelay
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			if attempt > 1 {
				log.WithFields(fields).WithField("attempt", attempt).Info("Succeeded after retry")
			}
			return nil
		}
		if !repository.IsRetryable(err) || attempt == maxAttempts {
			break
		}
		log.WithFields(fields).WithFields(log.Fields{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"error":        err,
		}).Warn("Transient storage failure, retrying...")

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
