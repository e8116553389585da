// Package host exposes the scheduler to scripts as the "jj" package.
//
// Scripts are Go source interpreted by yaegi:
//
//	package main
//
//	import "jj"
//
//	func Main() error {
//		util, err := jj.Require("util")
//		if err != nil {
//			return err
//		}
//		jj.Export("greeting", util["greeting"])
//		return nil
//	}
//
// Every function reaches the scheduler through the activation of the script
// currently running under the caller's baseName. Require, Fetch, Get and Ask
// suspend the script until the result is delivered.
package host

import (
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

// ImportPath is the path scripts import.
const ImportPath = "jj"

// Response is an outbound response as scripts see it.
type Response struct {
	Status int
	Header map[string]string
	Body   string
}

// Binder returns the activation of the script that is running right now,
// or nil between runs.
type Binder func() *engine.Activation

type api struct {
	active Binder
}

// Symbols returns the yaegi exports for the jj package bound to active.
func Symbols(active Binder) interp.Exports {
	h := &api{active: active}
	return interp.Exports{
		ImportPath + "/jj": {
			"Require":            reflect.ValueOf(h.Require),
			"Fetch":              reflect.ValueOf(h.Fetch),
			"Get":                reflect.ValueOf(h.Get),
			"Ask":                reflect.ValueOf(h.Ask),
			"Send":               reflect.ValueOf(h.Send),
			"Export":             reflect.ValueOf(h.Export),
			"Write":              reflect.ValueOf(h.Write),
			"Writef":             reflect.ValueOf(h.Writef),
			"Param":              reflect.ValueOf(h.Param),
			"On":                 reflect.ValueOf(h.On),
			"After":              reflect.ValueOf(h.After),
			"Log":                reflect.ValueOf(h.Log),
			"IsModuleNotFound":   reflect.ValueOf(engine.IsModuleNotFound),
			"IsConnectionClosed": reflect.ValueOf(engine.IsConnectionClosed),
			"IsOutboundFailure":  reflect.ValueOf(engine.IsOutboundFailure),

			"Response": reflect.ValueOf((*Response)(nil)),
		},
	}
}

func (h *api) act() *engine.Activation {
	act := h.active()
	if act == nil {
		panic(engine.NewRuntimeError(engine.ErrCodeUnsupported, "jj called outside a running script"))
	}
	return act
}

func (h *api) Require(identifier string) (map[string]any, error) {
	exports, err := h.act().Require(identifier)
	if err != nil {
		return nil, err
	}
	return exports, nil
}

func (h *api) Fetch(method, url, body string) (*Response, error) {
	req := &engine.OutboundRequest{Method: method, URL: url}
	if body != "" {
		req.Body = []byte(body)
	}
	resp, err := h.act().Fetch(req)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.Status, Header: resp.Header, Body: string(resp.Body)}, nil
}

func (h *api) Get(url string) (*Response, error) {
	return h.Fetch("GET", url, "")
}

func (h *api) Ask(payload any) (any, error) {
	return h.act().Ask(payload)
}

func (h *api) Send(payload any) error {
	return h.act().Send(payload)
}

func (h *api) Export(name string, value any) {
	h.act().Export(name, value)
}

func (h *api) Write(s string) {
	_, _ = h.act().Write([]byte(s))
}

func (h *api) Writef(format string, args ...any) {
	_, _ = fmt.Fprintf(h.act(), format, args...)
}

func (h *api) Param(name string) string {
	return h.act().Param(name)
}

func (h *api) On(event string, fn func(args []any) error) error {
	if fn == nil {
		return h.act().On(event, nil)
	}
	return h.act().On(event, func(_ *engine.Activation, args ...any) error {
		return fn(args)
	})
}

func (h *api) After(ms int, fn func() error) error {
	if fn == nil {
		return fmt.Errorf("after: nil callback")
	}
	return h.act().After(time.Duration(ms)*time.Millisecond, func(_ *engine.Activation, _ ...any) error {
		return fn()
	})
}

func (h *api) Log(msg string, kv ...any) {
	h.act().Logger().Info(msg, kv...)
}
