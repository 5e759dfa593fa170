package bus

import (
	"context"
	"testing"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

func TestPublishDeliversToTopicSubscribersInOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(domain.TopicDocumentAnalyzed, func(_ context.Context, msg domain.AgentMessage) {
		got = append(got, "first:"+msg.ReportID)
	})
	b.Subscribe(domain.TopicDocumentAnalyzed, func(_ context.Context, msg domain.AgentMessage) {
		got = append(got, "second:"+msg.ReportID)
	})
	b.Subscribe(domain.TopicReportApproved, func(context.Context, domain.AgentMessage) {
		t.Fatalf("unrelated topic must not receive the message")
	})

	b.Publish(context.Background(), domain.TopicDocumentAnalyzed, domain.AgentMessage{ReportID: "r-1"})

	if len(got) != 2 || got[0] != "first:r-1" || got[1] != "second:r-1" {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestPublishRecoversHandlerPanic(t *testing.T) {
	b := New()
	delivered := false
	b.Subscribe("t", func(context.Context, domain.AgentMessage) {
		panic("boom")
	})
	b.Subscribe("t", func(context.Context, domain.AgentMessage) {
		delivered = true
	})

	b.Publish(context.Background(), "t", domain.AgentMessage{})
	if !delivered {
		t.Fatalf("expected delivery after a panicking handler")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsubscribe := b.Subscribe("t", func(context.Context, domain.AgentMessage) { calls++ })

	b.Publish(context.Background(), "t", domain.AgentMessage{})
	unsubscribe()
	unsubscribe()
	b.Publish(context.Background(), "t", domain.AgentMessage{})

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestSubscribeDuringPublishDoesNotAffectCurrentDelivery(t *testing.T) {
	b := New()
	late := 0
	b.Subscribe("t", func(context.Context, domain.AgentMessage) {
		b.Subscribe("t", func(context.Context, domain.AgentMessage) { late++ })
	})

	b.Publish(context.Background(), "t", domain.AgentMessage{})
	if late != 0 {
		t.Fatalf("subscriber added mid-publish must not receive that message")
	}
	b.Publish(context.Background(), "t", domain.AgentMessage{})
	if late != 1 {
		t.Fatalf("expected late subscriber on next publish, got %d", late)
	}
}
