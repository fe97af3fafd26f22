/*
Package events provides an in-memory event broker for ReportHub's pub/sub
messaging.

The broker broadcasts server events to interested subscribers: task
lifecycle transitions, product attachment changes, and server drain and
shutdown notices. Delivery is asynchronous over buffered channels;
publishing never blocks and a subscriber with a full buffer misses the
event rather than stalling the publisher.

# Event Types

Task lifecycle:
  - task.allocated, task.enqueued, task.started
  - task.completed, task.failed, task.cancelled, task.dropped
  - task.cancel_requested

Products:
  - product.added, product.edited, product.removed

Server:
  - server.draining, server.shutdown

Task events carry the task token in Metadata["token"], which is what the
long-poll await endpoint keys its wakeups on.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			// react to event.Type / event.Metadata
		}
	}()

The broker is topic-agnostic: every subscriber sees every event and
filters on its own. At ReportHub's event rates this is far cheaper than
maintaining per-topic subscription state.
*/
package events
