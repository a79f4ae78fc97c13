/*
Copyright 2025 The RangeForge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

// ChannelAll carries every event.
const ChannelAll = "rf:events"

// ChannelControl carries control requests from thin clients to the
// serving process.
const ChannelControl = "rf:control"

// ChannelLab carries events for one lab.
func ChannelLab(labID string) string {
	return "rf:events:lab:" + labID
}

// ChannelType carries events of one class.
func ChannelType(t api.EventType) string {
	return "rf:events:kind:" + string(t)
}

// Publish implements Interface. Each event fans out to the firehose
// channel, its lab channel and its type channel.
func (s *Store) Publish(ctx context.Context, ev api.Event) error {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return faults.Wrap(err, faults.Internal, "encoding event %s", ev.Type)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, ChannelAll, payload)
		if ev.LabID != "" {
			pipe.Publish(ctx, ChannelLab(ev.LabID), payload)
		}
		pipe.Publish(ctx, ChannelType(ev.Type), payload)
		return nil
	})
	if err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "publishing %s", ev.Type)
	}
	return nil
}

// publish is Publish with the error demoted to a log line. Registry
// writes must not fail because the feed is down; consumers reconcile
// via polling anyway.
func (s *Store) publish(ctx context.Context, ev api.Event) {
	if err := s.Publish(ctx, ev); err != nil {
		s.log.Error(err, "dropping event", "type", ev.Type, "identity", ev.Identity)
	}
}

// Subscribe implements Interface. The underlying client resubscribes
// after connection loss on its own; consumers detect missed updates by
// comparing event versions against the hash.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan api.Event, error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, faults.Wrap(err, faults.BackendUnreachable, "subscribing to %s", channel)
	}
	out := make(chan api.Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev api.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Error(err, "dropping malformed event", "channel", channel)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PublishControl puts a control request on the control channel.
// Delivery is at-most-once; callers watch the store for the state
// change they asked for rather than trusting the publish.
func (s *Store) PublishControl(ctx context.Context, req api.ControlRequest) error {
	if err := req.Validate(); err != nil {
		return faults.Wrap(err, faults.ConfigInvalid, "control request")
	}
	if req.At.IsZero() {
		req.At = s.clock.Now()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return faults.Wrap(err, faults.Internal, "encoding control request")
	}
	if err := s.rdb.Publish(ctx, ChannelControl, payload).Err(); err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "publishing control request")
	}
	return nil
}

// SubscribeControl yields control requests until ctx ends. Malformed
// payloads are dropped with a log line, same as Subscribe.
func (s *Store) SubscribeControl(ctx context.Context) (<-chan api.ControlRequest, error) {
	pubsub := s.rdb.Subscribe(ctx, ChannelControl)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, faults.Wrap(err, faults.BackendUnreachable, "subscribing to %s", ChannelControl)
	}
	out := make(chan api.ControlRequest, 64)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var req api.ControlRequest
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
					s.log.Error(err, "dropping malformed control request")
					continue
				}
				select {
				case out <- req:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
