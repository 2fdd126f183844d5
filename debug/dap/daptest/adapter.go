// Package daptest provides an in-memory debug adapter for tests.
package daptest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// Request is a request the adapter received.
type Request struct {
	Seq       int             `json:"seq"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments"`
}

// Reply is what a HandlerFunc wants sent back.
type Reply struct {
	Body interface{}
	// Error makes the response unsuccessful with this message.
	Error string
	// Events are sent, in order, after the response.
	Events []Event
	// Hangup closes the connection after the response and events.
	Hangup bool
}

type Event struct {
	Name string
	Body interface{}
}

type HandlerFunc func(req Request) Reply

// Adapter answers debug adapter protocol requests over in-memory pipes.
// Unless overridden with Handle, it behaves like a cooperative adapter whose
// debuggee has a single thread with one frame.
type Adapter struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	requests []Request
	conns    []net.Conn
	nextBP   int

	writeMu sync.Mutex
	conn    net.Conn
	seq     int
	wg      sync.WaitGroup
}

func New() *Adapter {
	a := &Adapter{handlers: make(map[string]HandlerFunc), nextBP: 1}
	a.installDefaults()
	return a
}

// Handle overrides the reply for command.
func (a *Adapter) Handle(command string, fn HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[command] = fn
}

// Dial matches the dialer signature used by the launchers and serves the
// returned connection.
func (a *Adapter) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	a.mu.Lock()
	a.conns = append(a.conns, server)
	a.conn = server
	a.mu.Unlock()

	a.wg.Add(1)
	go a.serve(server)
	return client, nil
}

// Commands returns the commands received so far, in order.
func (a *Adapter) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.requests))
	for _, r := range a.requests {
		out = append(out, r.Command)
	}
	return out
}

// Requests returns the requests received so far for command.
func (a *Adapter) Requests(command string) []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Request
	for _, r := range a.requests {
		if r.Command == command {
			out = append(out, r)
		}
	}
	return out
}

// SendEvent pushes an event on the most recent connection.
func (a *Adapter) SendEvent(name string, body interface{}) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}
	return a.write(conn, map[string]interface{}{
		"type":  "event",
		"event": name,
		"body":  body,
	})
}

// Close closes every connection and waits for the serving goroutines.
func (a *Adapter) Close() {
	a.mu.Lock()
	conns := a.conns
	a.conns = nil
	a.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	a.wg.Wait()
}

func (a *Adapter) serve(conn net.Conn) {
	defer a.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		data, err := dap.ReadBaseMessage(reader)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		a.mu.Lock()
		a.requests = append(a.requests, req)
		handler, ok := a.handlers[req.Command]
		a.mu.Unlock()

		reply := Reply{Error: "unsupported command: " + req.Command}
		if ok {
			reply = handler(req)
		}

		resp := map[string]interface{}{
			"type":        "response",
			"request_seq": req.Seq,
			"command":     req.Command,
			"success":     reply.Error == "",
		}
		if reply.Error != "" {
			resp["message"] = reply.Error
		}
		if reply.Body != nil {
			resp["body"] = reply.Body
		}
		if err := a.write(conn, resp); err != nil {
			return
		}
		for _, e := range reply.Events {
			if err := a.write(conn, map[string]interface{}{"type": "event", "event": e.Name, "body": e.Body}); err != nil {
				return
			}
		}
		if reply.Hangup {
			return
		}
	}
}

func (a *Adapter) write(conn net.Conn, msg map[string]interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.seq++
	msg["seq"] = a.seq
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return dap.WriteBaseMessage(conn, data)
}

func stopped(reason string, thread int) Event {
	return Event{Name: "stopped", Body: map[string]interface{}{
		"reason":            reason,
		"threadId":          thread,
		"allThreadsStopped": true,
	}}
}

func threadOf(req Request) int {
	var args struct {
		ThreadID int `json:"threadId"`
	}
	_ = json.Unmarshal(req.Arguments, &args)
	if args.ThreadID == 0 {
		return 1
	}
	return args.ThreadID
}

func (a *Adapter) installDefaults() {
	var stopOnEntry bool

	a.handlers["initialize"] = func(req Request) Reply {
		return Reply{Body: map[string]interface{}{"supportsConfigurationDoneRequest": true}}
	}
	a.handlers["launch"] = func(req Request) Reply {
		var args struct {
			StopOnEntry bool `json:"stopOnEntry"`
		}
		_ = json.Unmarshal(req.Arguments, &args)
		stopOnEntry = args.StopOnEntry
		return Reply{Events: []Event{{Name: "initialized"}}}
	}
	a.handlers["configurationDone"] = func(req Request) Reply {
		if stopOnEntry {
			return Reply{Events: []Event{stopped("entry", 1)}}
		}
		return Reply{}
	}
	a.handlers["setBreakpoints"] = func(req Request) Reply {
		var args struct {
			Breakpoints []struct {
				Line int `json:"line"`
			} `json:"breakpoints"`
		}
		_ = json.Unmarshal(req.Arguments, &args)
		bps := make([]map[string]interface{}, 0, len(args.Breakpoints))
		a.mu.Lock()
		for _, bp := range args.Breakpoints {
			bps = append(bps, map[string]interface{}{"id": a.nextBP, "verified": true, "line": bp.Line})
			a.nextBP++
		}
		a.mu.Unlock()
		return Reply{Body: map[string]interface{}{"breakpoints": bps}}
	}
	a.handlers["continue"] = func(req Request) Reply {
		return Reply{Body: map[string]interface{}{"allThreadsContinued": true}}
	}
	for _, cmd := range []string{"next", "stepIn", "stepOut"} {
		a.handlers[cmd] = func(req Request) Reply {
			return Reply{Events: []Event{stopped("step", threadOf(req))}}
		}
	}
	a.handlers["pause"] = func(req Request) Reply {
		return Reply{Events: []Event{stopped("pause", threadOf(req))}}
	}
	a.handlers["threads"] = func(req Request) Reply {
		return Reply{Body: map[string]interface{}{"threads": []map[string]interface{}{{"id": 1, "name": "main.main"}}}}
	}
	a.handlers["stackTrace"] = func(req Request) Reply {
		return Reply{Body: map[string]interface{}{
			"stackFrames": []map[string]interface{}{{
				"id":     1000,
				"name":   "main.main",
				"line":   12,
				"column": 1,
				"source": map[string]interface{}{"name": "main.go", "path": "/work/main.go"},
			}},
			"totalFrames": 1,
		}}
	}
	a.handlers["scopes"] = func(req Request) Reply {
		return Reply{Body: map[string]interface{}{
			"scopes": []map[string]interface{}{{"name": "Locals", "variablesReference": 1001, "expensive": false}},
		}}
	}
	a.handlers["variables"] = func(req Request) Reply {
		return Reply{Body: map[string]interface{}{
			"variables": []map[string]interface{}{{"name": "answer", "value": "42", "type": "int", "variablesReference": 0}},
		}}
	}
	a.handlers["evaluate"] = func(req Request) Reply {
		var args struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(req.Arguments, &args)
		if args.Expression == "missing" {
			return Reply{Error: "could not find symbol value for missing"}
		}
		return Reply{Body: map[string]interface{}{"result": "42", "type": "int", "variablesReference": 0}}
	}
	a.handlers["disconnect"] = func(req Request) Reply {
		return Reply{Events: []Event{{Name: "terminated"}}, Hangup: true}
	}
}
