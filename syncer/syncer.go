// Package syncer reconciles the local stores with the real-time feed and
// the persistence backend: inbound events are applied to the message store,
// and optimistic local sends are confirmed (id remap) or reverted.
package syncer

import (
	"context"
	"log"
	"sync"

	"github.com/eisapp/chatcore/service"
	"github.com/eisapp/chatcore/store"
	"github.com/eisapp/chatcore/types"
)

// State is the coordinator's feed lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateSubscribed   State = "subscribed"
	StateUnsubscribed State = "unsubscribed"
)

// Config wires a coordinator.
type Config struct {
	ViewerID string
	Service  service.Service
	Messages *store.MessageStore
	Registry *store.Registry
	// Logger may be nil for silence.
	Logger *log.Logger
	// Notify receives retryable failures for non-blocking surfacing. May be nil.
	Notify func(error)
}

// Coordinator applies feed events and resolves pending sends. All methods
// are safe for concurrent use.
type Coordinator struct {
	cfg Config

	mu          sync.Mutex
	state       State
	unsubscribe func()
}

// New creates an idle coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg, state: StateIdle}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe attaches to the viewer-scoped feed. Subscribing twice is a no-op.
func (c *Coordinator) Subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSubscribed {
		return nil
	}
	unsubscribe, err := c.cfg.Service.Subscribe(c.cfg.ViewerID, c.Apply)
	if err != nil {
		return service.Transient("subscribe", err)
	}
	c.unsubscribe = unsubscribe
	c.state = StateSubscribed
	return nil
}

// Unsubscribe detaches from the feed. Safe to call in any state.
func (c *Coordinator) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.state == StateSubscribed {
		c.state = StateUnsubscribed
	}
}

// Apply folds one inbound event into the stores. The message store is
// idempotent by id, so re-delivered events are no-ops; monotonic flag
// changes (read, deletion) are absorbed without ever reverting local state.
func (c *Coordinator) Apply(ev types.MessageEvent) {
	c.cfg.Registry.EnsureKnown(ev.ConversationID, ev.SeekerID, ev.OrganizationID)
	switch ev.Kind {
	case types.EventMessageNew:
		if !c.cfg.Messages.Append(ev.ConversationID, ev.Message) {
			c.logf("feed: duplicate message %s ignored", ev.Message.ID)
		}
	case types.EventMessageUpdated:
		c.cfg.Messages.Merge(ev.ConversationID, ev.Message)
	default:
		c.logf("feed: unknown event kind %q", ev.Kind)
	}
}

// ResolveSend persists a staged message. Success swaps the provisional id
// for the confirmed one; failure reverts the optimistic append and returns
// a retryable error. The feed is authoritative for the final id, so a
// confirmation that raced its own feed event simply drops the provisional
// copy.
func (c *Coordinator) ResolveSend(ctx context.Context, conversationID string, pending types.Message) error {
	conf, err := c.cfg.Service.PersistMessage(ctx, conversationID, pending)
	if err != nil {
		c.cfg.Messages.Revert(conversationID, pending.ID)
		err = service.Transient("send", err)
		c.notify(err)
		return err
	}
	c.cfg.Messages.RemapID(conversationID, pending.ID, conf.ID, conf.Timestamp)
	return nil
}

func (c *Coordinator) notify(err error) {
	if c.cfg.Notify != nil {
		c.cfg.Notify(err)
	}
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}
