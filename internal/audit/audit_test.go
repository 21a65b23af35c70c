package audit

import "testing"

func TestMemoryStoreRecordAndRecent(t *testing.T) {
	s := NewMemoryStore(3)

	events := []Event{
		{Timestamp: 1, ClientID: "c1", Type: EventConnect},
		{Timestamp: 2, ClientID: "c1", Type: EventListen},
		{Timestamp: 3, ClientID: "c1", Type: EventQuery},
		{Timestamp: 4, ClientID: "c1", Type: EventDisconnect},
	}
	for _, e := range events {
		if err := s.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.RecentForClient("c1", 10)
	if err != nil {
		t.Fatalf("RecentForClient: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected ring buffer to retain only 3 events, got %d", len(got))
	}
	if got[0].Type != EventListen || got[2].Type != EventDisconnect {
		t.Fatalf("unexpected retained events: %+v", got)
	}
}

func TestMemoryStoreIsolatesClients(t *testing.T) {
	s := NewMemoryStore(10)
	_ = s.Record(Event{ClientID: "a", Type: EventConnect})
	_ = s.Record(Event{ClientID: "b", Type: EventConnect})

	got, _ := s.RecentForClient("a", 10)
	if len(got) != 1 {
		t.Fatalf("expected client a to have exactly one event, got %d", len(got))
	}
}

func TestNoopStoreDiscards(t *testing.T) {
	var s NoopStore
	if err := s.Record(Event{ClientID: "x"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := s.RecentForClient("x", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no events from NoopStore, got %v (err=%v)", got, err)
	}
}
