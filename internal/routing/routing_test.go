// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package routing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/router/internal/dispatch"
	"github.com/bcem/router/internal/expr"
	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/queue"
	"github.com/bcem/router/internal/rules"
	"github.com/bcem/router/internal/stats"
)

// countingTransport acknowledges every send with a sequential id.
type countingTransport struct {
	n atomic.Int64
}

func (c *countingTransport) Send(context.Context, queue.Queue, []byte) (string, error) {
	return fmt.Sprintf("msg-%d", c.n.Add(1)), nil
}

func allQueues() *queue.Registry {
	return queue.NewRegistry(
		queue.Queue{Name: "high_priority", Endpoint: "mem://high_priority"},
		queue.Queue{Name: "support", Endpoint: "mem://support"},
		queue.Queue{Name: "billing", Endpoint: "mem://billing"},
		queue.Queue{Name: "default", Endpoint: "mem://default"},
	)
}

func newOrchestrator(t *testing.T, tr dispatch.Transport, reg *queue.Registry) *Orchestrator {
	t.Helper()
	store := rules.NewStore()
	require.NoError(t, store.LoadDefaults())
	return New(Config{
		Rules:      store,
		Dispatcher: dispatch.NewDispatcher(dispatch.DispatcherConfig{Registry: reg, Transport: tr}),
		Recorder:   stats.NewRecorder(stats.RecorderConfig{}),
	})
}

func email(subject, sender string, p models.Priority) *models.Email {
	return (&models.Email{
		MessageID:    "<" + subject + "@test>",
		Subject:      subject,
		Sender:       sender,
		Recipients:   []string{"inbox@company.com"},
		Priority:     p,
		ReceivedDate: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}).Normalize()
}

// TestScenarioA verifies an urgent email goes to high_priority.
func TestScenarioA(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, allQueues())

	res := o.ProcessEmail(context.Background(), email("URGENT: Server down", "admin@company.com", models.PriorityUrgent), false)

	assert.True(t, res.Matched)
	assert.Equal(t, "urgent_emails", res.MatchedRule)
	assert.Equal(t, "high_priority", res.QueueName)
	assert.True(t, res.Success)
	assert.Equal(t, StateRecorded, res.State)
}

// TestScenarioB verifies a help request falls through to the support rule.
func TestScenarioB(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, allQueues())

	res := o.ProcessEmail(context.Background(), email("Need help with order", "c@x.com", models.PriorityNormal), false)

	assert.True(t, res.Matched)
	assert.Equal(t, "support_emails", res.MatchedRule)
	assert.Equal(t, "support", res.QueueName)
}

// TestScenarioC verifies an unmatched email goes to the default queue.
func TestScenarioC(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, allQueues())

	res := o.ProcessEmail(context.Background(), email("Newsletter", "noreply@x.com", models.PriorityNormal), false)

	assert.False(t, res.Matched)
	assert.Equal(t, "default", res.QueueName)
	assert.True(t, res.Success)

	st := o.Statistics()
	assert.Equal(t, int64(1), st.TotalProcessed)
	assert.Empty(t, st.QueueCounts)
}

// TestScenarioD verifies routing to an unregistered queue fails and is counted.
func TestScenarioD(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, queue.NewRegistry())

	res := o.ProcessEmail(context.Background(), email("Need help", "c@x.com", models.PriorityNormal), false)

	assert.False(t, res.Success)
	assert.Equal(t, string(dispatch.ReasonUnknownQueue), res.Reason)
	assert.Equal(t, StateRecorded, res.State)
	assert.NotEmpty(t, res.Error)

	st := o.Statistics()
	assert.Equal(t, int64(1), st.FailedRoutes)
	assert.Equal(t, int64(0), st.SuccessfulRoutes)
}

// TestResolve_EmptySnapshot verifies an empty rule set selects the default queue.
func TestResolve_EmptySnapshot(t *testing.T) {
	d := Resolve(email("URGENT", "a@b.c", models.PriorityUrgent), nil, "fallback", models.DefaultBusinessHours())
	assert.False(t, d.Matched)
	assert.Equal(t, "fallback", d.Queue)

	snap, err := rules.NewSnapshot()
	require.NoError(t, err)
	d = Resolve(email("URGENT", "a@b.c", models.PriorityUrgent), snap, "", models.DefaultBusinessHours())
	assert.Equal(t, DefaultQueue, d.Queue)
}

// TestResolve_PriorityWins verifies the higher-priority rule is chosen
// whatever order the rules were added in.
func TestResolve_PriorityWins(t *testing.T) {
	low := rules.Rule{Name: "low", Condition: "true", Action: "q_low", Priority: 1, Enabled: true}
	high := rules.Rule{Name: "high", Condition: "true", Action: "q_high", Priority: 50, Enabled: true}
	e := email("anything", "a@b.c", models.PriorityNormal)

	for _, order := range [][]rules.Rule{{low, high}, {high, low}} {
		store := rules.NewStore()
		for _, r := range order {
			require.NoError(t, store.Upsert(r))
		}
		d := Resolve(e, store.Snapshot(), "", models.DefaultBusinessHours())
		assert.Equal(t, "high", d.Rule)
		assert.Equal(t, "q_high", d.Queue)
	}
}

// TestResolve_EvaluationErrorSkipsRule verifies a failing condition is
// treated as false and reported.
func TestResolve_EvaluationErrorSkipsRule(t *testing.T) {
	store := rules.NewStore()
	require.NoError(t, store.Upsert(rules.Rule{Name: "div", Condition: "attachment_count / 0 == 1", Action: "x", Priority: 10, Enabled: true}))
	require.NoError(t, store.Upsert(rules.Rule{Name: "ok", Condition: "true", Action: "y", Priority: 1, Enabled: true}))

	r := NewResolver(ResolverConfig{Rules: store})
	d := r.Resolve(email("s", "a@b.c", models.PriorityNormal))

	assert.Equal(t, "ok", d.Rule)
	require.Len(t, d.Errors, 1)
	assert.Equal(t, "div", d.Errors[0].Rule)
	assert.Equal(t, expr.KindDivision, d.Errors[0].Kind)
}

// TestResolve_Idempotent verifies repeated resolution against one snapshot
// gives the same decision.
func TestResolve_Idempotent(t *testing.T) {
	store := rules.NewStore()
	require.NoError(t, store.LoadDefaults())
	snap := store.Snapshot()
	hours := models.DefaultBusinessHours()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("resolve(e, s) == resolve(e, s)", prop.ForAll(
		func(subject string, urgent bool) bool {
			p := models.PriorityNormal
			if urgent {
				p = models.PriorityUrgent
			}
			e := email(subject, "a@b.c", p)
			a := Resolve(e, snap, "", hours)
			b := Resolve(e, snap, "", hours)
			return a.Matched == b.Matched && a.Rule == b.Rule && a.Queue == b.Queue
		},
		gen.OneConstOf("URGENT now", "help", "invoice due", "hello", "", "Support ticket"),
		gen.Bool(),
	))
	properties.TestingRun(t)
}

// TestDryRunEquivalence verifies dry and live runs pick the same queue and
// only the live run reaches the transport.
func TestDryRunEquivalence(t *testing.T) {
	tr := &countingTransport{}
	o := newOrchestrator(t, tr, allQueues())
	ctx := context.Background()

	for _, subject := range []string{"URGENT: disk", "help me", "Invoice 42", "hi"} {
		e := email(subject, "a@b.c", models.PriorityNormal)
		dry := o.ProcessEmail(ctx, e, true)
		live := o.ProcessEmail(ctx, e, false)

		assert.Equal(t, live.Matched, dry.Matched, subject)
		assert.Equal(t, live.MatchedRule, dry.MatchedRule, subject)
		assert.Equal(t, live.QueueName, dry.QueueName, subject)
		assert.Equal(t, dispatch.DryRunMessageID, dry.DispatchID)
		assert.True(t, dry.DryRun)
	}
	assert.Equal(t, int64(4), tr.n.Load())
}

// TestProcess_ParseErrorLeavesStats verifies unparseable input is errored
// and not counted.
func TestProcess_ParseErrorLeavesStats(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, allQueues())

	res := o.ProcessRaw(context.Background(), "empty", nil, false)

	assert.Equal(t, StateErrored, res.State)
	assert.Equal(t, ReasonParseError, res.Reason)
	assert.Equal(t, int64(0), o.Statistics().TotalProcessed)
}

// TestProcess_TransportFailure verifies a transport error is recorded as a
// failed route.
func TestProcess_TransportFailure(t *testing.T) {
	tr := dispatch.TransportFunc(func(context.Context, queue.Queue, []byte) (string, error) {
		return "", errors.New("connection refused")
	})
	o := newOrchestrator(t, tr, allQueues())

	res := o.ProcessEmail(context.Background(), email("help", "a@b.c", models.PriorityNormal), false)

	assert.False(t, res.Success)
	assert.Equal(t, string(dispatch.ReasonTransport), res.Reason)
	assert.Equal(t, StateRecorded, res.State)
	assert.Equal(t, int64(1), o.Statistics().FailedRoutes)
}

// TestResult_SubjectTruncated verifies long subjects are cut on a rune boundary.
func TestResult_SubjectTruncated(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, allQueues())
	long := "é"
	for len(long) < 300 {
		long += "é"
	}

	res := o.ProcessEmail(context.Background(), email(long, "a@b.c", models.PriorityNormal), true)

	assert.LessOrEqual(t, len(res.Subject), maxResultSubject)
	assert.Equal(t, 100, len(res.Subject))
}

func sources(subjects ...string) []intake.Source {
	out := make([]intake.Source, 0, len(subjects))
	for i, s := range subjects {
		out = append(out, intake.Record(fmt.Sprintf("item-%d", i), *email(s, "a@b.c", models.PriorityNormal)))
	}
	return out
}

// TestBatch_OrderedWithHardFailures verifies ordered results and a separate
// list of parse failures.
func TestBatch_OrderedWithHardFailures(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, allQueues())
	in := sources("URGENT a", "help b", "c", "invoice d")
	in = append(in[:2], append([]intake.Source{intake.Raw("broken", []byte("   "))}, in[2:]...)...)

	out := o.Batch(context.Background(), in, BatchOptions{Ordered: true, Workers: 3})

	assert.Equal(t, 4, out.Processed)
	assert.Equal(t, 4, out.Successful)
	require.Len(t, out.HardFailures, 1)
	assert.Equal(t, "broken", out.HardFailures[0].Source)
	require.Len(t, out.Results, 4)
	assert.Equal(t, []string{"high_priority", "support", "default", "billing"}, []string{
		out.Results[0].QueueName, out.Results[1].QueueName, out.Results[2].QueueName, out.Results[3].QueueName,
	})
	assert.Equal(t, int64(4), o.Statistics().TotalProcessed)
}

// TestBatch_WorkerBound verifies no more than Workers emails are in flight.
func TestBatch_WorkerBound(t *testing.T) {
	var inFlight, peak atomic.Int64
	tr := dispatch.TransportFunc(func(context.Context, queue.Queue, []byte) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return "id", nil
	})
	o := newOrchestrator(t, tr, allQueues())

	in := sources("help 1", "help 2", "help 3", "help 4", "help 5", "help 6", "help 7", "help 8")
	out := o.Batch(context.Background(), in, BatchOptions{Workers: 2})

	assert.Equal(t, 8, out.Successful)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

// TestBatch_Cancellation verifies no new items start after cancellation and
// in-flight items still finish.
func TestBatch_Cancellation(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	tr := dispatch.TransportFunc(func(ctx context.Context, q queue.Queue, _ []byte) (string, error) {
		started <- struct{}{}
		<-release
		return "id", nil
	})
	o := newOrchestrator(t, tr, allQueues())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan BatchResult)
	go func() {
		done <- o.Batch(ctx, sources("help 1", "help 2", "help 3", "help 4", "help 5"), BatchOptions{Workers: 1})
	}()

	<-started
	cancel()
	close(release)

	var out BatchResult
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not return after cancellation")
	}

	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 1, out.Successful)
	assert.Equal(t, 4, out.Skipped)
	assert.Equal(t, int64(1), o.Statistics().TotalProcessed)
}

// TestStatisticsConsistency verifies counters add up under concurrent batches.
func TestStatisticsConsistency(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30
	properties := gopter.NewProperties(params)

	properties.Property("total == success + failed and queue sums == matched", prop.ForAll(
		func(subjects []string) bool {
			reg := allQueues()
			reg.Remove("billing")
			o := New(Config{
				Rules:      mustDefaults(),
				Dispatcher: dispatch.NewDispatcher(dispatch.DispatcherConfig{Registry: reg, Transport: &countingTransport{}}),
			})

			var wg sync.WaitGroup
			var matched atomic.Int64
			for _, chunk := range [][]string{subjects[:len(subjects)/2], subjects[len(subjects)/2:]} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					out := o.Batch(context.Background(), sources(chunk...), BatchOptions{Workers: 4})
					for _, r := range out.Results {
						if r.Matched {
							matched.Add(1)
						}
					}
				}()
			}
			wg.Wait()

			st := o.Statistics()
			var queueSum int64
			for _, n := range st.QueueCounts {
				queueSum += n
			}
			return st.TotalProcessed == int64(len(subjects)) &&
				st.SuccessfulRoutes+st.FailedRoutes == st.TotalProcessed &&
				queueSum == matched.Load()
		},
		gen.SliceOf(gen.OneConstOf("URGENT x", "help", "invoice", "newsletter")),
	))
	properties.TestingRun(t)
}

func mustDefaults() *rules.Store {
	s := rules.NewStore()
	if err := s.LoadDefaults(); err != nil {
		panic(err)
	}
	return s
}

// TestProcessDirectory verifies every .eml file in a directory is routed.
func TestProcessDirectory(t *testing.T) {
	dir := t.TempDir()
	msgs := map[string]string{
		"a.eml": "From: a@b.c\r\nTo: x@y.z\r\nSubject: URGENT outage\r\n\r\nbody\r\n",
		"b.eml": "From: a@b.c\r\nTo: x@y.z\r\nSubject: hello\r\n\r\nbody\r\n",
		"c.txt": "ignored",
	}
	for name, body := range msgs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	o := newOrchestrator(t, &countingTransport{}, allQueues())

	out, err := o.ProcessDirectory(context.Background(), dir, "", BatchOptions{Ordered: true, DryRun: true})
	require.NoError(t, err)

	require.Len(t, out.Results, 2)
	assert.Equal(t, "high_priority", out.Results[0].QueueName)
	assert.Equal(t, "default", out.Results[1].QueueName)
}

// TestTestCondition verifies matches and evaluation errors are reported.
func TestTestCondition(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, allQueues())
	emails := []*models.Email{
		email("help please", "a@b.c", models.PriorityNormal),
		email("newsletter", "a@b.c", models.PriorityNormal),
	}

	rep, err := o.TestCondition("contains(subject, 'HELP')", emails)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Total)
	require.Len(t, rep.Matches, 1)
	assert.Equal(t, "help please", rep.Matches[0].Subject)

	rep, err = o.TestCondition("recipient_count % 0 == 0", emails)
	require.NoError(t, err)
	assert.Len(t, rep.Errors, 2)

	_, err = o.TestCondition("__import__('os')", emails)
	assert.Error(t, err)
}

// TestHealth verifies component status aggregation.
func TestHealth(t *testing.T) {
	o := newOrchestrator(t, &countingTransport{}, allQueues())
	rep := o.Health(context.Background())
	assert.Equal(t, StatusHealthy, rep.Status)

	empty := New(Config{})
	rep = empty.Health(context.Background())
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Equal(t, StatusDegraded, rep.Components["rules"].Status)
	assert.Equal(t, StatusDegraded, rep.Components["queues"].Status)
}
