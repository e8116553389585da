package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
)

func TestScheduler_FirstRequestRunsProgramAndResponds(t *testing.T) {
	res := newFakeResources()
	var runs atomic.Int32
	doc := res.addDocument("home", func(act *Activation) error {
		runs.Add(1)
		write(act, "hello")
		return nil
	}, nil)
	journal := &memJournal{}
	s := newTestScheduler(t, res, WithJournal(journal, "run-1"))
	rs := newResponses()

	require.Equal(t, Uninitialized, doc.State())
	require.True(t, s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs)))

	got := rs.next(t)
	assert.Equal(t, Served, got.status)
	assert.Equal(t, "hello", got.body)

	drain(t, s)
	assert.Equal(t, int32(1), rs.count.Load())
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, Initialized, doc.State())

	states := journal.ofKind(store.KindState)
	require.Len(t, states, 2)
	assert.Equal(t, map[string]string{"from": "uninitialized", "to": "initializing"}, states[0].Detail)
	assert.Equal(t, map[string]string{"from": "initializing", "to": "initialized"}, states[1].Detail)

	responded := journal.ofKind(store.KindResponded)
	require.Len(t, responded, 1)
	assert.Equal(t, "request:r1", responded[0].Subject)
	assert.Equal(t, "run-1", responded[0].RunID)
}

func TestScheduler_ReadyFunctionRunsPerRequest(t *testing.T) {
	res := newFakeResources()
	var runs atomic.Int32
	res.addDocument("home", func(act *Activation) error {
		runs.Add(1)
		return nil
	}, map[string]Callable{
		"Ready": func(act *Activation, _ ...any) error {
			write(act, "ready:"+act.Param("n"))
			return nil
		},
	})
	s := newTestScheduler(t, res)

	for i := 0; i < 3; i++ {
		rs := newResponses()
		n := strconv.Itoa(i)
		s.SubmitRequest(NewDocumentRequest("r"+n, "home", map[string]string{"n": n}, rs))
		assert.Equal(t, "ready:"+n, rs.next(t).body)
	}
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_ConcurrentFirstRequestsRunProgramOnce(t *testing.T) {
	res := newFakeResources()
	net := newHeldNetwork()
	var runs atomic.Int32
	doc := res.addDocument("home", func(act *Activation) error {
		runs.Add(1)
		resp, err := act.Fetch(&OutboundRequest{Method: "GET", URL: "http://upstream.test/"})
		if err != nil {
			return err
		}
		write(act, string(resp.Body))
		return nil
	}, map[string]Callable{
		"Ready": func(act *Activation, _ ...any) error {
			write(act, "+ready")
			return nil
		},
	})
	s := newTestScheduler(t, res, WithNetwork(net))

	rs := newResponses()
	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.SubmitRequest(NewDocumentRequest(fmt.Sprintf("r%d", i), "home", nil, rs))
		}(i)
	}
	wg.Wait()

	call := net.next(t)
	require.Eventually(t, func() bool { return s.Parked(doc) == n-1 }, 2*time.Second, time.Millisecond)
	call.ch <- OutboundResult{Response: &OutboundResponse{Status: 200, Body: []byte("data")}}

	bodies := map[string]int{}
	for i := 0; i < n; i++ {
		got := rs.next(t)
		assert.Equal(t, Served, got.status)
		bodies[got.body]++
	}
	drain(t, s)

	assert.Equal(t, int32(1), runs.Load(), "top-level program must run exactly once")
	assert.Equal(t, map[string]int{"data+ready": 1, "+ready": n - 1}, bodies)
	assert.Equal(t, int32(n), rs.count.Load())
	assert.Equal(t, 0, s.Parked(doc))
}

func TestScheduler_SameBaseNameRunsInSubmissionOrder(t *testing.T) {
	res := newFakeResources()
	var mu sync.Mutex
	var trace []string
	doc := res.addDocument("home", nil, map[string]Callable{
		"Ready": func(act *Activation, _ ...any) error {
			n := act.Param("n")
			mu.Lock()
			trace = append(trace, "start:"+n)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			trace = append(trace, "end:"+n)
			mu.Unlock()
			return nil
		},
	})
	markInitialized(doc)
	s := newTestScheduler(t, res, WithWorkers(4))

	rs := newResponses()
	for i := 0; i < 5; i++ {
		n := strconv.Itoa(i)
		s.SubmitRequest(NewDocumentRequest("r"+n, "home", map[string]string{"n": n}, rs))
	}
	for i := 0; i < 5; i++ {
		rs.next(t)
	}

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, fmt.Sprintf("start:%d", i), fmt.Sprintf("end:%d", i))
	}
	assert.Equal(t, want, trace)
}

func TestScheduler_AliasedNamesShareOneWorker(t *testing.T) {
	res := newFakeResources()
	var inFlight, overlaps atomic.Int32
	doc := res.addDocument("home", nil, map[string]Callable{
		"Ready": func(act *Activation, _ ...any) error {
			if inFlight.Add(1) > 1 {
				overlaps.Add(1)
			}
			defer inFlight.Add(-1)
			write(act, "a")
			time.Sleep(2 * time.Millisecond)
			write(act, "b")
			return nil
		},
	})
	markInitialized(doc)
	res.mu.Lock()
	res.docs["welcome"] = doc
	res.mu.Unlock()
	s := newTestScheduler(t, res, WithWorkers(4))

	rs := newResponses()
	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		name := "home"
		if i%2 == 1 {
			name = "welcome"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SubmitRequest(NewDocumentRequest(fmt.Sprintf("r%d", i), name, nil, rs))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		got := rs.next(t)
		assert.Equal(t, Served, got.status)
		assert.Equal(t, "ab", got.body)
	}
	assert.Zero(t, overlaps.Load(), "one environment ran on two workers")
}

func TestNewDocumentRequest_NormalizesBaseName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "home", "home"},
		{"trailing slash", "home/", "home"},
		{"leading slash", "/blog/post", "blog/post"},
		{"decomposed", "cafe\u0301", "caf\u00e9"},
		{"invalid kept", "../etc", "../etc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewDocumentRequest("r", tt.in, nil, nil)
			assert.Equal(t, tt.want, req.BaseName())
		})
	}
}

func TestScheduler_ResumeObservesTransformedValue(t *testing.T) {
	res := newFakeResources()
	captured := make(chan *PendingContinuation, 1)
	res.addDocument("home", func(act *Activation) error {
		v, err := act.Await(OutboundCall, "payload", func(raw any) any { return raw.(int) * 2 })
		if err != nil {
			return err
		}
		write(act, fmt.Sprint(v))
		return nil
	}, nil)
	s := newTestScheduler(t, res, WithDispatcher(OutboundCall, dispatcherFunc(func(pc *PendingContinuation) {
		captured <- pc
	})))

	rs := newResponses()
	req := NewDocumentRequest("r1", "home", nil, rs)
	s.SubmitRequest(req)

	pc := <-captured
	assert.Equal(t, OutboundCall, pc.Reason)
	assert.Equal(t, "payload", pc.Payload)
	assert.Same(t, req, pc.Owner)
	assert.True(t, s.Registry().Has(req, pc.Key))

	go s.ResumeAfterExternalResult(pc.Owner, pc.Key, 21)

	assert.Equal(t, "42", rs.next(t).body)
	assert.Equal(t, 0, s.Registry().Len())
}

func TestScheduler_OutboundFailureFromAnotherGoroutine(t *testing.T) {
	res := newFakeResources()
	net := newHeldNetwork()
	res.addDocument("home", func(act *Activation) error {
		_, err := act.Fetch(&OutboundRequest{Method: "GET", URL: "http://upstream.test/"})
		switch {
		case IsOutboundFailure(err) && errors.Is(err, errBoom):
			write(act, "failed")
		case err != nil:
			write(act, "unexpected: "+err.Error())
		default:
			write(act, "ok")
		}
		return nil
	}, nil)
	journal := &memJournal{}
	s := newTestScheduler(t, res, WithNetwork(net), WithJournal(journal, "run-1"))

	rs := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs))

	call := net.next(t)
	assert.Equal(t, "http://upstream.test/", call.req.URL)
	go func() { call.ch <- OutboundResult{Err: errBoom} }()

	got := rs.next(t)
	assert.Equal(t, Served, got.status)
	assert.Equal(t, "failed", got.body)
	drain(t, s)
	assert.Equal(t, int32(1), rs.count.Load())

	suspended := journal.ofKind(store.KindSuspended)
	require.Len(t, suspended, 1)
	assert.Equal(t, "outbound", suspended[0].Reason)
	assert.Equal(t, "http://upstream.test/", suspended[0].Detail["url"])

	resumed := journal.ofKind(store.KindResumed)
	require.Len(t, resumed, 1)
	assert.Equal(t, string(ErrCodeOutboundFailed), resumed[0].Detail["error"])
}

func TestScheduler_ModuleImportResumesParentWithExports(t *testing.T) {
	res := newFakeResources()
	net := newHeldNetwork()
	var utilsRuns atomic.Int32
	res.addDocument("home", nil, map[string]Callable{
		"Ready": func(act *Activation, _ ...any) error {
			exports, err := act.Require("utils")
			if err != nil {
				return err
			}
			write(act, fmt.Sprintf("name=%v ready=%v", exports["name"], exports["ready"] == true))
			return nil
		},
	})
	utils := res.addModule("home", "utils", func(act *Activation) error {
		utilsRuns.Add(1)
		act.Export("name", "utils")
		if _, err := act.Fetch(&OutboundRequest{Method: "GET", URL: "http://config.test/"}); err != nil {
			return err
		}
		act.Export("ready", true)
		return nil
	})
	s := newTestScheduler(t, res, WithNetwork(net))

	first := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, first))
	call := net.next(t)
	require.Equal(t, Initializing, utils.State())

	// a second import while utils is Initializing gets the in-progress
	// exports without re-running utils
	second := newResponses()
	s.SubmitRequest(NewDocumentRequest("r2", "home", nil, second))
	assert.Equal(t, "name=utils ready=false", second.next(t).body)

	call.ch <- OutboundResult{Response: &OutboundResponse{Status: 200}}
	assert.Equal(t, "name=utils ready=true", first.next(t).body)
	assert.Equal(t, Initialized, utils.State())

	third := newResponses()
	s.SubmitRequest(NewDocumentRequest("r3", "home", nil, third))
	assert.Equal(t, "name=utils ready=true", third.next(t).body)

	assert.Equal(t, int32(1), utilsRuns.Load())
}

func TestScheduler_ImportCycleResolves(t *testing.T) {
	res := newFakeResources()
	seenByB := make(chan string, 1)
	res.addDocument("home", func(act *Activation) error {
		a, err := act.Require("a")
		if err != nil {
			return err
		}
		write(act, fmt.Sprint(a["fromB"]))
		return nil
	}, nil)
	res.addModule("home", "a", func(act *Activation) error {
		act.Export("a", "partial")
		b, err := act.Require("b")
		if err != nil {
			return err
		}
		act.Export("fromB", b["b"])
		return nil
	})
	res.addModule("home", "b", func(act *Activation) error {
		act.Export("b", "bee")
		a, err := act.Require("a")
		if err != nil {
			return err
		}
		_, sawFromB := a["fromB"]
		seenByB <- fmt.Sprintf("%v/%v", a["a"], sawFromB)
		return nil
	})
	s := newTestScheduler(t, res)

	rs := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs))

	assert.Equal(t, "bee", rs.next(t).body)
	assert.Equal(t, "partial/false", <-seenByB)
	drain(t, s)
	assert.Equal(t, 0, s.Registry().Len())
}

func TestScheduler_ModuleNotFoundIsResumedIntoScript(t *testing.T) {
	res := newFakeResources()
	res.addDocument("home", func(act *Activation) error {
		_, err := act.Require("missing")
		write(act, fmt.Sprint(IsModuleNotFound(err)))
		return nil
	}, nil)
	s := newTestScheduler(t, res)

	rs := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs))
	assert.Equal(t, "true", rs.next(t).body)
}

// nilModules answers every module lookup with neither a module nor an error.
type nilModules struct {
	*fakeResources
}

func (nilModules) FindOrLoadModuleEnvironment(string, string) (ModuleEnvironment, error) {
	return nil, nil
}

func TestScheduler_NilModuleIsNotFound(t *testing.T) {
	res := newFakeResources()
	res.addDocument("home", func(act *Activation) error {
		_, err := act.Require("utils")
		write(act, fmt.Sprint(IsModuleNotFound(err)))
		return nil
	}, nil)
	s := newTestScheduler(t, nilModules{res})

	rs := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs))
	assert.Equal(t, "true", rs.next(t).body)
}

// vanishingModules finds each module once; later lookups fail as if the
// file had been removed.
type vanishingModules struct {
	*fakeResources
	seen atomic.Int32
}

func (v *vanishingModules) FindOrLoadModuleEnvironment(baseName, id string) (ModuleEnvironment, error) {
	if v.seen.Add(1) > 1 {
		return nil, ErrNotFound
	}
	return v.fakeResources.FindOrLoadModuleEnvironment(baseName, id)
}

func TestScheduler_ClaimedModuleLoadsAfterItVanishes(t *testing.T) {
	res := newFakeResources()
	res.addDocument("home", func(act *Activation) error {
		exports, err := act.Require("utils")
		if err != nil {
			return err
		}
		write(act, fmt.Sprint(exports["answer"]))
		return nil
	}, nil)
	mod := res.addModule("home", "utils", func(act *Activation) error {
		act.Export("answer", 42)
		return nil
	})
	s := newTestScheduler(t, &vanishingModules{fakeResources: res})

	rs := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs))
	assert.Equal(t, "42", rs.next(t).body)

	drain(t, s)
	assert.Equal(t, Initialized, mod.State(), "a claimed module must not be left initializing")
}

func TestScheduler_ModuleWritesToEnclosingRequest(t *testing.T) {
	res := newFakeResources()
	res.addDocument("home", func(act *Activation) error {
		write(act, "<")
		if _, err := act.Require("banner"); err != nil {
			return err
		}
		write(act, ">")
		return nil
	}, nil)
	res.addModule("home", "banner", func(act *Activation) error {
		write(act, "banner")
		return nil
	})
	s := newTestScheduler(t, res)

	rs := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs))
	assert.Equal(t, "<banner>", rs.next(t).body)
}

func TestScheduler_ResponseStatuses(t *testing.T) {
	res := newFakeResources()
	res.fail("broken", errors.New("syntax error"))
	res.addDocument("erroring", func(act *Activation) error {
		write(act, "partial")
		return errBoom
	}, nil)
	res.addDocument("panicking", func(act *Activation) error {
		panic("script bug")
	}, nil)
	s := newTestScheduler(t, res)

	tests := []struct {
		baseName string
		status   ResponseStatus
		body     string
	}{
		{"missing", NoScript, ""},
		{"broken", LoadFailed, ""},
		{"erroring", Served, "partial"},
		{"panicking", Served, ""},
	}
	for _, tt := range tests {
		t.Run(tt.baseName, func(t *testing.T) {
			rs := newResponses()
			s.SubmitRequest(NewDocumentRequest("r-"+tt.baseName, tt.baseName, nil, rs))
			got := rs.next(t)
			assert.Equal(t, tt.status, got.status)
			assert.Equal(t, tt.body, got.body)
		})
	}
}

func TestScheduler_ConnectionAskRoundTrip(t *testing.T) {
	res := newFakeResources()
	conns := newFakeConnections()
	doc := res.addDocument("chat", nil, map[string]Callable{
		"Hello": func(act *Activation, args ...any) error {
			answer, err := act.Ask(args[0])
			if err != nil {
				return act.Send("error")
			}
			return act.Send(fmt.Sprintf("got %v", answer))
		},
	})
	markInitialized(doc)
	s := newTestScheduler(t, res, WithConnectionLayer(conns))
	conn := newFakeConnection("c1", doc)

	require.True(t, s.SubmitConnectionEvent(conn, "Hello", "question?"))

	ask := conns.next(t)
	assert.NotEmpty(t, ask.PendingKey)
	assert.Equal(t, "question?", ask.Payload)
	assert.Equal(t, 1, s.Registry().OwnerLen(conn))

	assert.False(t, s.ResumeIfPending(conn, "pending-999", "nope"))
	require.True(t, s.ResumeIfPending(conn, ask.PendingKey, "yes"))

	reply := conns.next(t)
	assert.Empty(t, reply.PendingKey)
	assert.Equal(t, "got yes", reply.Payload)

	drain(t, s)
	assert.Equal(t, int32(1), conn.leftScope.Load())
}

func TestScheduler_ConnectionHandlerOverridesDocumentFunction(t *testing.T) {
	res := newFakeResources()
	conns := newFakeConnections()
	doc := res.addDocument("chat", nil, map[string]Callable{
		"Open": func(act *Activation, _ ...any) error {
			return act.On("Message", func(act *Activation, args ...any) error {
				return act.Send("override:" + fmt.Sprint(args...))
			})
		},
		"Message": func(act *Activation, _ ...any) error {
			return act.Send("document")
		},
	})
	markInitialized(doc)
	s := newTestScheduler(t, res, WithConnectionLayer(conns))

	plain := newFakeConnection("c1", doc)
	s.SubmitConnectionEvent(plain, "Message", "x")
	assert.Equal(t, "document", conns.next(t).Payload)

	custom := newFakeConnection("c2", doc)
	s.SubmitConnectionEvent(custom, "Open")
	s.SubmitConnectionEvent(custom, "Message", "x")
	assert.Equal(t, "override:x", conns.next(t).Payload)
}

func TestScheduler_AbandonOwnerResumesWithError(t *testing.T) {
	res := newFakeResources()
	conns := newFakeConnections()
	doc := res.addDocument("chat", nil, map[string]Callable{
		"Hello": func(act *Activation, args ...any) error {
			_, err := act.Ask("question?")
			if IsConnectionClosed(err) {
				return act.Send("closed")
			}
			return act.Send("answered")
		},
	})
	markInitialized(doc)
	s := newTestScheduler(t, res, WithConnectionLayer(conns))
	conn := newFakeConnection("c1", doc)

	s.SubmitConnectionEvent(conn, "Hello")
	ask := conns.next(t)

	assert.Equal(t, 1, s.AbandonOwner(conn, nil))
	assert.Equal(t, "closed", conns.next(t).Payload)

	assert.False(t, s.ResumeIfPending(conn, ask.PendingKey, "late"))
	drain(t, s)
	assert.Equal(t, 0, s.AbandonOwner(conn, nil))
}

func TestScheduler_AbandonedConnectionsAreNotRetained(t *testing.T) {
	res := newFakeResources()
	conns := newFakeConnections()
	doc := res.addDocument("chat", nil, map[string]Callable{
		"Hello": func(act *Activation, _ ...any) error {
			_, err := act.Ask("question?")
			return err
		},
	})
	markInitialized(doc)
	s := newTestScheduler(t, res, WithConnectionLayer(conns))

	for i := 0; i < 100; i++ {
		conn := newFakeConnection(fmt.Sprintf("c%d", i), doc)
		s.SubmitConnectionEvent(conn, "Hello")
		conns.next(t)
		require.Eventually(t, func() bool { return s.Registry().OwnerLen(conn) == 1 }, 2*time.Second, time.Millisecond)
		require.Equal(t, 1, s.AbandonOwner(conn, nil))
	}
	drain(t, s)

	assert.Equal(t, 0, s.Registry().Len())
	s.Registry().mu.Lock()
	defer s.Registry().mu.Unlock()
	assert.Empty(t, s.Registry().abandoned)
}

func TestScheduler_AskFailsWhenDeliveryFails(t *testing.T) {
	res := newFakeResources()
	conns := newFakeConnections()
	conns.err = errors.New("socket gone")
	result := make(chan error, 1)
	doc := res.addDocument("chat", nil, map[string]Callable{
		"Hello": func(act *Activation, _ ...any) error {
			_, err := act.Ask("question?")
			result <- err
			return nil
		},
	})
	markInitialized(doc)
	s := newTestScheduler(t, res, WithConnectionLayer(conns))

	s.SubmitConnectionEvent(newFakeConnection("c1", doc), "Hello")
	err := <-result
	assert.True(t, IsConnectionClosed(err))
}

func TestScheduler_AskOutsideConnection(t *testing.T) {
	res := newFakeResources()
	res.addDocument("home", func(act *Activation) error {
		_, err := act.Ask("x")
		var re *RuntimeError
		if errors.As(err, &re) {
			write(act, string(re.Code))
		}
		return nil
	}, nil)
	s := newTestScheduler(t, res)

	rs := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs))
	assert.Equal(t, string(ErrCodeNoConnection), rs.next(t).body)
}

func TestScheduler_TimerRunsInternalWork(t *testing.T) {
	res := newFakeResources()
	ticks := make(chan any, 1)
	res.addDocument("home", nil, map[string]Callable{
		"Ready": func(act *Activation, _ ...any) error {
			return act.After(time.Millisecond, func(act *Activation, args ...any) error {
				ticks <- args[0]
				return nil
			}, "tick")
		},
	})
	journal := &memJournal{}
	s := newTestScheduler(t, res, WithJournal(journal, "run-1"))

	rs := newResponses()
	s.SubmitRequest(NewDocumentRequest("r1", "home", nil, rs))
	rs.next(t)

	select {
	case v := <-ticks:
		assert.Equal(t, "tick", v)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	drain(t, s)

	var internal int
	for _, ev := range journal.ofKind(store.KindSubmitted) {
		if ev.Subject == "env:home/home" {
			internal++
		}
	}
	assert.Equal(t, 1, internal)
}

func TestScheduler_TimerUnderConnectionCanSendButNotAsk(t *testing.T) {
	res := newFakeResources()
	conns := newFakeConnections()
	asked := make(chan error, 1)
	doc := res.addDocument("chat", nil, map[string]Callable{
		"Hello": func(act *Activation, _ ...any) error {
			return act.After(time.Millisecond, func(act *Activation, _ ...any) error {
				if err := act.Send("tick"); err != nil {
					return err
				}
				_, err := act.Ask("question?")
				asked <- err
				return nil
			})
		},
	})
	markInitialized(doc)
	s := newTestScheduler(t, res, WithConnectionLayer(conns))

	s.SubmitConnectionEvent(newFakeConnection("c1", doc), "Hello")
	assert.Equal(t, "tick", conns.next(t).Payload)

	select {
	case err := <-asked:
		var re *RuntimeError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, ErrCodeNoConnection, re.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	drain(t, s)
	assert.Equal(t, 0, s.Registry().Len())
}

func TestScheduler_SubmitInternalOwnsSuspensions(t *testing.T) {
	res := newFakeResources()
	captured := make(chan *PendingContinuation, 1)
	done := make(chan any, 1)
	doc := res.addDocument("home", nil, nil)
	s := newTestScheduler(t, res, WithDispatcher(OutboundCall, dispatcherFunc(func(pc *PendingContinuation) {
		captured <- pc
	})))

	s.SubmitInternal(doc, func(act *Activation, _ ...any) error {
		v, err := act.Await(OutboundCall, nil, nil)
		done <- v
		return err
	})

	pc := <-captured
	assert.Equal(t, Environment(doc), pc.Owner)
	s.ResumeAfterExternalResult(doc, pc.Key, "value")
	assert.Equal(t, "value", <-done)
}

func TestScheduler_UnknownKeyIsAnInvariantViolation(t *testing.T) {
	s := newTestScheduler(t, newFakeResources())
	requireInvariant(t, func() {
		s.ResumeAfterExternalResult("nobody", "pending-1", nil)
	})
}

func TestScheduler_LoadingInitializedModuleIsAnInvariantViolation(t *testing.T) {
	res := newFakeResources()
	doc := res.addDocument("home", nil, nil)
	mod := res.addModule("home", "utils", nil)
	markInitialized(mod)

	panics := make(chan any, 1)
	s := newTestScheduler(t, res, WithPoolOptions(WithPanicHandler(func(_ string, v any) {
		panics <- v
	})))

	stack := NewContextStack(nil, s.Registry(), NewClockKeys())
	stack.PushRequest(NewDocumentRequest("r1", "home", nil, nil), doc)
	s.SubmitModuleLoad(&RequiredModule{
		Identifier:    "utils",
		BaseName:      "home",
		ParentContext: stack.Top(),
		PendingKey:    "pending-1",
	})

	select {
	case v := <-panics:
		assert.True(t, IsInvariantError(v))
	case <-time.After(2 * time.Second):
		t.Fatal("expected the worker to panic")
	}
}

func TestScheduler_CloseUnwindsPendingContinuations(t *testing.T) {
	res := newFakeResources()
	conns := newFakeConnections()
	unwound := make(chan struct{})
	doc := res.addDocument("chat", nil, map[string]Callable{
		"Hello": func(act *Activation, _ ...any) error {
			defer close(unwound)
			_, err := act.Ask("question?")
			return err
		},
	})
	markInitialized(doc)
	s := NewScheduler(res, WithLogger(quietLogger()), WithConnectionLayer(conns))

	s.SubmitConnectionEvent(newFakeConnection("c1", doc), "Hello")
	conns.next(t)
	require.Equal(t, 1, s.Registry().Len())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	select {
	case <-unwound:
	case <-time.After(2 * time.Second):
		t.Fatal("pending script was not unwound")
	}
	assert.Equal(t, 0, s.Registry().Len())
	assert.False(t, s.SubmitRequest(NewDocumentRequest("late", "chat", nil, nil)))
	assert.NotPanics(t, func() { s.ResumeAfterExternalResult("nobody", "pending-1", nil) })
}

type dispatcherFunc func(pc *PendingContinuation)

func (f dispatcherFunc) Process(pc *PendingContinuation) { f(pc) }
