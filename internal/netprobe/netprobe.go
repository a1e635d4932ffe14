// Package netprobe discovers an endpoint's public address with STUN so it can
// be advertised to the controller in CONNECT.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// ErrNoServers is returned by Probe when no STUN server is configured.
var ErrNoServers = errors.New("netprobe: no STUN servers configured")

// Result is the outcome of a probe.
type Result struct {
	// Address is the mapped address reported by the first server that answered.
	Address string
	NATType string
	// Answered counts the servers that returned a mapped address.
	Answered int
}

// Probe asks every server for the mapped address of a fresh UDP socket.
// The mapping belongs to the probe socket; it only tells the controller where
// the endpoint lives, not a port it can dial.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NATType: NATTypeUnknown}, ErrNoServers
	}

	mapped := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := query(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		mapped = append(mapped, addr)
	}

	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = errors.New("netprobe: no server answered")
		}
		return Result{NATType: NATTypeUnknown}, lastErr
	}
	return Result{Address: mapped[0], NATType: Classify(mapped), Answered: len(mapped)}, nil
}

// Classify infers the NAT behaviour from the addresses several servers saw.
// Differing mappings mean the NAT allocates per destination.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func query(ctx context.Context, server string, timeout time.Duration) (string, error) {
	raw := strings.TrimSpace(server)
	if raw == "" {
		return "", errors.New("empty server")
	}
	if !strings.HasPrefix(raw, "stun:") {
		raw = "stun:" + raw
	}
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := make(chan string, 1)
	fail := make(chan error, 2)
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		err := client.Do(req, func(ev stun.Event) {
			if ev.Error != nil {
				fail <- ev.Error
				return
			}
			var addr stun.XORMappedAddress
			if err := addr.GetFrom(ev.Message); err != nil {
				fail <- err
				return
			}
			result <- addr.String()
		})
		if err != nil {
			fail <- err
		}
	}()

	select {
	case addr := <-result:
		return addr, nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
