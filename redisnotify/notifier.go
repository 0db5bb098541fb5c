// Package redisnotify implements pollqueue.Notifier with Redis pub/sub
// for stores that have no notification mechanism of their own.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	queue, err := pollqueue.New(store, pollqueue.WithNotifier(redisnotify.New(client, "")))
package redisnotify

import (
	"context"

	"github.com/domonda/go-errs"
	rootlog "github.com/domonda/golog/log"
	"github.com/redis/go-redis/v9"

	"github.com/domonda/go-pollqueue"
)

var log = rootlog.NewPackageLogger()

// DefaultChannel is used by New for an empty channel.
const DefaultChannel = "pollqueue:job_available"

var _ pollqueue.Notifier = new(Notifier)

// Notifier publishes and subscribes job availability on a Redis channel.
// The caller owns the Redis client.
type Notifier struct {
	client  redis.UniversalClient
	channel string
}

func New(client redis.UniversalClient, channel string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{client: client, channel: channel}
}

func (n *Notifier) Channel() string {
	return n.channel
}

func (n *Notifier) NotifyJobAvailable(ctx context.Context) (err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	return n.client.Publish(ctx, n.channel, "").Err()
}

// ListenJobAvailable subscribes to the channel and calls callback
// from its own goroutine for every message until stop is called.
func (n *Notifier) ListenJobAvailable(ctx context.Context, callback func()) (stop func() error, err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	pubsub := n.client.Subscribe(ctx, n.channel)
	// Wait for the subscription confirmation
	// so no notification published after return is missed
	_, err = pubsub.Receive(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			func() {
				defer errs.RecoverAndLogPanicWithFuncParams(log.ErrorWriter(), msg.Channel, msg.Payload)
				callback()
			}()
		}
	}()

	log.Debug("Listening for available jobs").Str("channel", n.channel).Log()

	stop = func() error {
		err := pubsub.Close()
		<-done
		return err
	}
	return stop, nil
}
