// Package fakestatsd is a UDP listener speaking enough of the dogstatsd
// protocol to let tests assert on the metrics a component emits.
package fakestatsd

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

type FakeStatsd struct {
	connection *net.UDPConn

	mu      sync.RWMutex
	metrics []Metric
}

// New starts listening on a random local port. The listener is closed when the test ends.
func New(t testing.TB) *FakeStatsd {
	t.Helper()

	addr, err := net.ResolveUDPAddr("udp", "localhost:0")
	assert.Assert(t, err)

	conn, err := net.ListenUDP("udp", addr)
	assert.Assert(t, err)

	s := &FakeStatsd{
		connection: conn,
	}
	go s.listen()
	t.Cleanup(s.close)

	return s
}

func (s *FakeStatsd) Addr() string {
	return s.connection.LocalAddr().String()
}

type Metric struct {
	Name  string
	Value string
	Tags  []string
}

func (s *FakeStatsd) Metrics() []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := make([]Metric, len(s.metrics))
	copy(metrics, s.metrics)
	return metrics
}

// WaitFor polls until a metric called name has arrived and returns the first one.
func (s *FakeStatsd) WaitFor(t testing.TB, name string) Metric {
	t.Helper()
	var found Metric
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		for _, m := range s.Metrics() {
			if m.Name == name {
				found = m
				return poll.Success()
			}
		}
		return poll.Continue("no %q metric yet", name)
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
	return found
}

func (s *FakeStatsd) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = nil
}

func (s *FakeStatsd) recordMetric(m Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = append(s.metrics, m)
}

func (s *FakeStatsd) listen() {
	buffer := make([]byte, 10000)

	for {
		numBytes, err := s.connection.Read(buffer)
		if errors.Is(err, net.ErrClosed) {
			return
		}

		for _, rawMetric := range bytes.Split(buffer[:numBytes], []byte("\n")) {
			rawMetric = bytes.TrimSpace(rawMetric)
			if len(rawMetric) == 0 {
				continue
			}
			s.recordMetric(parse(string(rawMetric)))
		}
	}
}

func (s *FakeStatsd) close() {
	_ = s.connection.Close()
}

// parse splits a line like "ns.name:1|c|#tag:a,tag:b".
func parse(raw string) Metric {
	name, rest, _ := strings.Cut(raw, ":")
	value, tagList, hasTags := strings.Cut(rest, "#")

	var tags []string
	if hasTags {
		tags = strings.Split(tagList, ",")
	}
	return Metric{Name: name, Value: value, Tags: tags}
}
