package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"aula/cmd/internal/account"
)

func TestEvictWithFullQueueStillDeliversNotice(t *testing.T) {
	t.Parallel()

	c := NewClient("acct-1", account.RoleStudent, 2)

	// Fill the send queue so a plain non-blocking enqueue would drop the
	// eviction notice.
	ack := newEnvelope(TypeHeartbeatAck, nil, time.Now().UTC())
	c.Send <- ack
	c.Send <- ack

	c.Evict("session.replaced")

	found := false
drain:
	for {
		select {
		case env := <-c.Send:
			if env.Type != TypeSessionEnded {
				continue
			}
			var p SessionEndedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if p.Reason != "session.replaced" {
				t.Fatalf("reason: got %q", p.Reason)
			}
			found = true
		default:
			break drain
		}
	}
	if !found {
		t.Fatal("eviction notice was dropped from a full queue")
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("Evict must signal shutdown")
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient("acct-1", account.RoleStudent, 4)
	c.Evict("logout")
	c.Evict("logout")

	select {
	case <-c.Done():
	default:
		t.Fatal("Evict must signal shutdown")
	}
}
