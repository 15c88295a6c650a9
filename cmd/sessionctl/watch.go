package main

import (
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aussiebroadwan/bartab-session/internal/events"
	"github.com/spf13/cobra"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		topic  string
		extend bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and print its events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr := c.application.Manager()

			if mgr.Principal() == nil {
				return fmt.Errorf("no session to watch, run login first")
			}

			pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
			defer pubsub.Close()

			msgs, err := pubsub.Subscribe(ctx, topic)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			stop := events.Forward(mgr.Bus(), pubsub, topic, c.application.Logger())
			defer stop()

			c.application.StartMetrics()

			if extend {
				stopKeepAlive := mgr.KeepAlive(ctx)
				defer stopKeepAlive()
			}

			ended := make(chan struct{})
			var once sync.Once
			unsubscribe := mgr.Subscribe(events.SessionExpired, func(events.Event) {
				once.Do(func() { close(ended) })
			})
			defer unsubscribe()

			for {
				select {
				case msg := <-msgs:
					fmt.Println(string(msg.Payload))
					msg.Ack()
				case <-ended:
					return fmt.Errorf("session expired")
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVar(&extend, "extend", true, "Extend the session whenever it enters its warning window")
	cmd.Flags().StringVar(&topic, "topic", events.DefaultTopic, "Watermill topic the events are forwarded on")
	return cmd
}
