package netprobe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	if got := Classify([]string{"1.2.3.4:1"}); got != NATTypeUnknown {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:1"}); got != NATTypeConeOrRestricted {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:1", "1.2.3.4:2"}); got != NATTypeSymmetric {
		t.Fatalf("got=%q", got)
	}
}

func TestProbe_NoServers(t *testing.T) {
	t.Parallel()

	res, err := Probe(context.Background(), nil, time.Second)
	if !errors.Is(err, ErrNoServers) {
		t.Fatalf("err=%v", err)
	}
	if res.NATType != NATTypeUnknown {
		t.Fatalf("nat=%q", res.NATType)
	}
}

func TestProbe_InvalidServers(t *testing.T) {
	t.Parallel()

	res, err := Probe(context.Background(), []string{"", "   "}, 100*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Answered != 0 || res.Address != "" {
		t.Fatalf("res=%+v", res)
	}
}
