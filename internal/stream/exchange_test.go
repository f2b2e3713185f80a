package stream

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/observability"
)

const tradeFrame = `{"e":"trade","E":1717171717,"s":"BTCUSDT","t":12345,"p":"123.45","q":"0.001"}`

type inboundFrame struct {
	at   time.Time
	body []byte
}

// fakeExchange is a websocket server speaking the cex control protocol. It records every
// connection path and inbound frame, answers control requests and pushes data frames.
type fakeExchange struct {
	t   *testing.T
	srv *httptest.Server

	// listenKey handles REST listen-key calls when set.
	listenKey http.HandlerFunc
	// dataEvery pushes tradeFrame at this interval; 0 disables data.
	dataEvery time.Duration
	// reply overrides the control reply for a decoded request; nil keeps the default.
	reply func(req map[string]any) []byte

	mu      sync.Mutex
	paths   []string
	inbound []inboundFrame
	subs    []string
	conns   []*websocket.Conn
}

func newFakeExchange(t *testing.T, configure func(*fakeExchange)) *fakeExchange {
	t.Helper()
	fx := &fakeExchange{t: t, dataEvery: 20 * time.Millisecond}
	if configure != nil {
		configure(fx)
	}
	fx.srv = httptest.NewServer(http.HandlerFunc(fx.serve))
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fakeExchange) wsBase() string {
	return "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/"
}

func (fx *fakeExchange) overrides() endpoint.Overrides {
	return endpoint.Overrides{
		WebsocketBaseURI:    fx.wsBase(),
		WebsocketAPIBaseURI: fx.wsBase() + "ws-api/v3",
		RestfulBaseURI:      fx.srv.URL,
		MaxSubscriptions:    0,
		ExchangeType:        "",
	}
}

func (fx *fakeExchange) serve(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if fx.listenKey != nil {
			fx.listenKey(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	fx.mu.Lock()
	fx.paths = append(fx.paths, r.URL.RequestURI())
	fx.conns = append(fx.conns, conn)
	fx.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if fx.dataEvery > 0 && !strings.Contains(r.URL.Path, "ws-api") {
		go fx.pushData(ctx, conn)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		fx.mu.Lock()
		fx.inbound = append(fx.inbound, inboundFrame{at: time.Now(), body: append([]byte(nil), data...)})
		fx.mu.Unlock()
		if resp := fx.answer(data); resp != nil {
			writeCtx, writeCancel := context.WithTimeout(ctx, time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, resp)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

func (fx *fakeExchange) pushData(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(fx.dataEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, []byte(tradeFrame))
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (fx *fakeExchange) answer(data []byte) []byte {
	var req map[string]any
	if err := json.Unmarshal(data, &req); err != nil {
		return nil
	}
	if fx.reply != nil {
		if resp := fx.reply(req); resp != nil {
			return resp
		}
	}
	id := req["id"]
	fx.mu.Lock()
	defer fx.mu.Unlock()
	var result any
	switch req["method"] {
	case endpoint.MethodSubscribe:
		for _, p := range req["params"].([]any) {
			fx.subs = append(fx.subs, p.(string))
		}
	case endpoint.MethodUnsubscribe:
		for _, p := range req["params"].([]any) {
			for i, s := range fx.subs {
				if s == p.(string) {
					fx.subs = append(fx.subs[:i], fx.subs[i+1:]...)
					break
				}
			}
		}
	case endpoint.MethodListSubscriptions:
		result = append([]string{}, fx.subs...)
	default:
		result = map[string]any{"echo": req["method"]}
	}
	out, _ := json.Marshal(map[string]any{"result": result, "id": id})
	return out
}

func (fx *fakeExchange) connectionPaths() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]string(nil), fx.paths...)
}

func (fx *fakeExchange) frames() []inboundFrame {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]inboundFrame(nil), fx.inbound...)
}

// dropConnections closes every server side connection abnormally.
func (fx *fakeExchange) dropConnections() {
	fx.mu.Lock()
	conns := fx.conns
	fx.conns = nil
	fx.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseNow()
	}
}

func discardLogger() observability.Logger {
	return observability.NewStdLogger(log.New(io.Discard, "", 0))
}

func newTestManager(t *testing.T, fx *fakeExchange, configure func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Exchange:               "binance.com",
		Logger:                 discardLogger(),
		SupervisorInterval:     50 * time.Millisecond,
		FrequentChecksInterval: 50 * time.Millisecond,
		RestartTimeout:         200 * time.Millisecond,
		CloseTimeoutDefault:    500 * time.Millisecond,
	}
	if fx != nil {
		opts.Overrides = fx.overrides()
	}
	if configure != nil {
		configure(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.StopManagerWithAllStreams(ctx)
	})
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 20*time.Millisecond, what)
}
