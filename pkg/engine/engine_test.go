package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelfleet/fleetlink/pkg/compress"
	"github.com/otelfleet/fleetlink/pkg/engine"
	"github.com/otelfleet/fleetlink/pkg/retry"
	"github.com/otelfleet/fleetlink/pkg/storage"
	fleetpebble "github.com/otelfleet/fleetlink/pkg/storage/pebble"
	"github.com/otelfleet/fleetlink/pkg/transport"
	"github.com/otelfleet/fleetlink/pkg/wire"
)

// fakeTransport is a scripted in-memory transport. Tests read what the
// engine sent from sentCh and feed server messages through push.
type fakeTransport struct {
	mode     transport.Mode
	endpoint string

	mu       sync.Mutex
	sent     []*protobufs.AgentToServer
	sendErr  error
	encoding string

	sentCh  chan *protobufs.AgentToServer
	inbox   chan transport.Inbound
	recvErr chan error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(mode transport.Mode) *fakeTransport {
	return &fakeTransport{
		mode:     mode,
		encoding: compress.EncodingIdentity,
		sentCh:   make(chan *protobufs.AgentToServer, 32),
		inbox:    make(chan transport.Inbound, 32),
		recvErr:  make(chan error, 4),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Mode() transport.Mode { return f.mode }

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Send(_ context.Context, msg *protobufs.AgentToServer) error {
	f.mu.Lock()
	if err := f.sendErr; err != nil {
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	select {
	case f.sentCh <- msg:
	default:
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (transport.Inbound, error) {
	select {
	case in := <-f.inbox:
		return in, nil
	case err := <-f.recvErr:
		return transport.Inbound{}, err
	case <-f.closed:
		return transport.Inbound{}, transport.Disconnected("receive", nil)
	case <-ctx.Done():
		return transport.Inbound{}, ctx.Err()
	}
}

func (f *fakeTransport) Close(context.Context) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Offered() []string { return []string{compress.EncodingIdentity} }

func (f *fakeTransport) SetEncoding(name string) error {
	if name != compress.EncodingIdentity {
		return errors.New("unsupported encoding")
	}
	return nil
}

func (f *fakeTransport) Encoding() string { return f.encoding }

func (f *fakeTransport) push(seq uint64, msg *protobufs.ServerToAgent) {
	f.inbox <- transport.Inbound{Seq: seq, Msg: msg}
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) allSent() []*protobufs.AgentToServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protobufs.AgentToServer(nil), f.sent...)
}

type scriptedConfigStore struct {
	mu        sync.Mutex
	applied   []*protobufs.AgentRemoteConfig
	applyErr  error
	effective *protobufs.EffectiveConfig
}

func (s *scriptedConfigStore) Apply(_ context.Context, rc *protobufs.AgentRemoteConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, rc)
	return nil
}

func (s *scriptedConfigStore) EffectiveConfig(context.Context) (*protobufs.EffectiveConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effective, nil
}

func (s *scriptedConfigStore) applyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func (s *scriptedConfigStore) lastApplied() *protobufs.AgentRemoteConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.applied) == 0 {
		return nil
	}
	return s.applied[len(s.applied)-1]
}

type commandRecorder struct {
	calls chan *protobufs.ServerToAgentCommand
}

func (c *commandRecorder) OnCommand(_ context.Context, cmd *protobufs.ServerToAgentCommand) error {
	c.calls <- cmd
	return nil
}

type rejectingCertManager struct{}

func (rejectingCertManager) OnConnectionSettings(context.Context, *protobufs.OpAMPConnectionSettings) error {
	return errors.New("untrusted issuer")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testServerCaps = uint64(protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus |
	protobufs.ServerCapabilities_ServerCapabilities_OffersRemoteConfig |
	protobufs.ServerCapabilities_ServerCapabilities_AcceptsEffectiveConfig |
	protobufs.ServerCapabilities_ServerCapabilities_OffersConnectionSettings)

// startEngine boots an engine against scripted transports. Every dial lands
// on the returned channel so reconnect tests can grab the fresh transport.
func startEngine(t *testing.T, mutate func(*engine.Config)) (*engine.Engine, chan *fakeTransport) {
	t.Helper()
	dials := make(chan *fakeTransport, 8)
	cfg := engine.Config{
		Logger:            testLogger(),
		Endpoint:          "wss://fleet.example/v1/opamp",
		ServiceName:       "fleetlink-test",
		ServiceVersion:    "0.0.1",
		HeartbeatInterval: -1,
		Retry: retry.Config{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Jitter:          -1,
		},
		Dial: func(tc transport.Config) (transport.Transport, error) {
			// Mirror transport.New: the scheme picks the binding.
			mode := transport.ModeStreaming
			if strings.HasPrefix(tc.Endpoint, "http") {
				mode = transport.ModePolling
			}
			ft := newFakeTransport(mode)
			ft.endpoint = tc.Endpoint
			dials <- ft
			return ft, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.StartAsync(t.Context()))
	require.NoError(t, e.AwaitRunning(t.Context()))
	t.Cleanup(func() {
		e.StopAsync()
		_ = e.AwaitTerminated(context.Background())
	})
	return e, dials
}

func nextDial(t *testing.T, dials chan *fakeTransport) *fakeTransport {
	t.Helper()
	select {
	case ft := <-dials:
		return ft
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the engine to dial")
	}
	return nil
}

func nextSent(t *testing.T, ft *fakeTransport) *protobufs.AgentToServer {
	t.Helper()
	select {
	case msg := <-ft.sentCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound envelope")
	}
	return nil
}

// handshake consumes the first report and answers it with the server's
// capability advertisement.
func handshake(t *testing.T, e *engine.Engine, ft *fakeTransport, serverCaps uint64) *protobufs.AgentToServer {
	t.Helper()
	first := nextSent(t, ft)
	ft.push(1, &protobufs.ServerToAgent{
		InstanceUid:  first.GetInstanceUid(),
		Capabilities: serverCaps,
	})
	require.Eventually(t, func() bool {
		return e.SessionState() == engine.StateConnected
	}, 2*time.Second, 10*time.Millisecond, "session never reached connected")
	return first
}

func TestHandshakeEstablishesSession(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)

	first := nextSent(t, ft)
	assert.NotZero(t, first.GetCapabilities(), "first report must advertise capabilities")
	assert.NotNil(t, first.GetAgentDescription(), "first report must describe the agent")
	assert.Equal(t, uint64(1), first.GetSequenceNum())
	assert.Len(t, first.GetInstanceUid(), 16)

	ft.push(1, &protobufs.ServerToAgent{Capabilities: testServerCaps})
	require.Eventually(t, func() bool {
		return e.SessionState() == engine.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	st := e.Status()
	assert.Equal(t, "connected", st.State)
	assert.Contains(t, st.Features, "remote-config")
	assert.Contains(t, st.Features, "status")
	assert.NotContains(t, st.Features, "packages", "server never offered packages")
}

func TestRemoteConfigApplied(t *testing.T) {
	store := &scriptedConfigStore{
		effective: &protobufs.EffectiveConfig{
			ConfigMap: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"otelcol.yaml": {Body: []byte("receivers: {}")},
				},
			},
		},
	}
	e, dials := startEngine(t, func(cfg *engine.Config) {
		cfg.ConfigStore = store
	})
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.push(2, &protobufs.ServerToAgent{
		RemoteConfig: &protobufs.AgentRemoteConfig{
			Config: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"otelcol.yaml": {Body: []byte("receivers: {otlp: {}}")},
				},
			},
			ConfigHash: []byte("abc123"),
		},
	})

	report := nextSent(t, ft)
	require.NotNil(t, report.GetRemoteConfigStatus())
	assert.Equal(t, protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
		report.GetRemoteConfigStatus().GetStatus())
	assert.Equal(t, []byte("abc123"), report.GetRemoteConfigStatus().GetLastRemoteConfigHash())
	assert.NotNil(t, report.GetEffectiveConfig(), "a successful apply reports the new effective config")
	assert.Equal(t, 1, store.applyCount())
}

func TestRemoteConfigApplyFailure(t *testing.T) {
	store := &scriptedConfigStore{applyErr: errors.New("invalid pipeline")}
	e, dials := startEngine(t, func(cfg *engine.Config) {
		cfg.ConfigStore = store
	})
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.push(2, &protobufs.ServerToAgent{
		RemoteConfig: &protobufs.AgentRemoteConfig{
			ConfigHash: []byte("bad456"),
		},
	})

	report := nextSent(t, ft)
	require.NotNil(t, report.GetRemoteConfigStatus())
	assert.Equal(t, protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED,
		report.GetRemoteConfigStatus().GetStatus())
	assert.Equal(t, "invalid pipeline", report.GetRemoteConfigStatus().GetErrorMessage())
	assert.Equal(t, []byte("bad456"), report.GetRemoteConfigStatus().GetLastRemoteConfigHash(),
		"the failed hash tells the server which revision to stop offering")
	assert.Equal(t, engine.StateConnected, e.SessionState(), "a bad config is not a session failure")
}

func TestDuplicateServerMessageDiscarded(t *testing.T) {
	store := &scriptedConfigStore{}
	e, dials := startEngine(t, func(cfg *engine.Config) {
		cfg.ConfigStore = store
	})
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	rc := &protobufs.ServerToAgent{
		RemoteConfig: &protobufs.AgentRemoteConfig{ConfigHash: []byte("dup")},
	}
	ft.push(2, rc)
	nextSent(t, ft)
	ft.push(2, rc)

	require.Never(t, func() bool {
		return store.applyCount() > 1
	}, 300*time.Millisecond, 20*time.Millisecond, "replayed envelope must not re-apply")
	assert.Equal(t, engine.StateConnected, e.SessionState())
}

func TestSequenceGapDegradesAndRecovers(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	// Seq jumps 1 -> 3, one push was lost.
	ft.push(3, &protobufs.ServerToAgent{})
	require.Eventually(t, func() bool {
		return e.SessionState() == engine.StateDegraded
	}, 2*time.Second, 10*time.Millisecond)

	flagged := nextSent(t, ft)
	assert.NotZero(t, flagged.GetFlags()&wire.AgentFlagRequestFullState,
		"degraded session must ask for the server's full state")

	ft.push(4, &protobufs.ServerToAgent{Flags: wire.ServerFlagFullState})
	require.Eventually(t, func() bool {
		return e.SessionState() == engine.StateConnected
	}, 2*time.Second, 10*time.Millisecond, "full state answer must resolve the degradation")
}

func TestMalformedPayloadDegradesWithoutReconnect(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.recvErr <- transport.ProtocolViolation("decode", errors.New("bad frame"))

	require.Eventually(t, func() bool {
		return e.SessionState() == engine.StateDegraded
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, ft.isClosed(), "a malformed payload must not drop the connection")

	ft.push(2, &protobufs.ServerToAgent{Flags: wire.ServerFlagFullState})
	require.Eventually(t, func() bool {
		return e.SessionState() == engine.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerUnavailableTriggersPacedReconnect(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.push(2, &protobufs.ServerToAgent{
		ErrorResponse: &protobufs.ServerErrorResponse{
			Type:         protobufs.ServerErrorResponseType_ServerErrorResponseType_Unavailable,
			ErrorMessage: "maintenance",
			Details: &protobufs.ServerErrorResponse_RetryInfo{
				RetryInfo: &protobufs.RetryInfo{
					RetryAfterNanoseconds: uint64(20 * time.Millisecond),
				},
			},
		},
	})

	require.Eventually(t, ft.isClosed, 2*time.Second, 10*time.Millisecond,
		"unavailable must drop the connection")
	ft2 := nextDial(t, dials)
	handshake(t, e, ft2, testServerCaps)
}

func TestInstanceUidReassignment(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)
	before := e.InstanceUid()

	assigned := uuid.New()
	ft.push(2, &protobufs.ServerToAgent{
		AgentIdentification: &protobufs.AgentIdentification{
			NewInstanceUid: assigned[:],
		},
	})

	require.Eventually(t, func() bool {
		return e.InstanceUid() == assigned
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, before, e.InstanceUid())

	// Reports stamped after the switch carry the server's uid.
	report := nextSent(t, ft)
	assert.Equal(t, assigned[:], report.GetInstanceUid())
}

func TestRestartCommandDelegated(t *testing.T) {
	rec := &commandRecorder{calls: make(chan *protobufs.ServerToAgentCommand, 1)}
	e, dials := startEngine(t, func(cfg *engine.Config) {
		cfg.Commands = rec
	})
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.push(2, &protobufs.ServerToAgent{
		Command: &protobufs.ServerToAgentCommand{
			Type: protobufs.CommandType_CommandType_Restart,
		},
	})

	select {
	case cmd := <-rec.calls:
		assert.Equal(t, protobufs.CommandType_CommandType_Restart, cmd.GetType())
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the handler")
	}
}

func TestCustomMessageGatedOnServerAnnouncement(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	err := e.SendCustomMessage("io.fleetlink.debug", "ping", []byte("hi"))
	require.ErrorIs(t, err, engine.ErrCapabilityInactive,
		"sending before the server announced the capability must fail")

	ft.push(2, &protobufs.ServerToAgent{
		CustomCapabilities: &protobufs.CustomCapabilities{
			Capabilities: []string{"io.fleetlink.debug"},
		},
	})

	require.Eventually(t, func() bool {
		return e.SendCustomMessage("io.fleetlink.debug", "ping", []byte("hi")) == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, msg := range ft.allSent() {
			if msg.GetCustomMessage().GetCapability() == "io.fleetlink.debug" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionSettingsRedirect(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.push(2, &protobufs.ServerToAgent{
		ConnectionSettings: &protobufs.ConnectionSettingsOffers{
			Hash: []byte("offer-1"),
			Opamp: &protobufs.OpAMPConnectionSettings{
				DestinationEndpoint: "wss://fleet-2.example/v1/opamp",
			},
		},
	})

	require.Eventually(t, ft.isClosed, 2*time.Second, 10*time.Millisecond,
		"an endpoint change forces a reconnect")
	ft2 := nextDial(t, dials)
	assert.Equal(t, "wss://fleet-2.example/v1/opamp", ft2.endpoint,
		"the redial must target the offered endpoint")
	handshake(t, e, ft2, testServerCaps)
}

func TestRejectedCertificateVoidsOffer(t *testing.T) {
	e, dials := startEngine(t, func(cfg *engine.Config) {
		cfg.Certificates = rejectingCertManager{}
	})
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.push(2, &protobufs.ServerToAgent{
		ConnectionSettings: &protobufs.ConnectionSettingsOffers{
			Opamp: &protobufs.OpAMPConnectionSettings{
				DestinationEndpoint: "wss://rogue.example/v1/opamp",
				Certificate:         &protobufs.TLSCertificate{Cert: []byte("not a cert")},
			},
		},
	})

	require.Never(t, ft.isClosed, 300*time.Millisecond, 20*time.Millisecond,
		"a rejected certificate must void the whole offer, including the endpoint")
}

func TestShutdownSendsDisconnectNotice(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	e.StopAsync()
	require.NoError(t, e.AwaitTerminated(context.Background()))

	sent := ft.allSent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.NotNil(t, last.GetAgentDisconnect(), "shutdown must say goodbye")
	assert.Equal(t, engine.StateClosed, e.SessionState())
}

func TestSessionResumesFromStore(t *testing.T) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sessions := storage.NewSessionStore(testLogger(), fleetpebble.NewKVBroker(db))

	e1, dials1 := startEngine(t, func(cfg *engine.Config) {
		cfg.Store = sessions
	})
	ft1 := nextDial(t, dials1)
	first := handshake(t, e1, ft1, testServerCaps)
	uid := first.GetInstanceUid()
	lastSeq := first.GetSequenceNum()

	e1.StopAsync()
	require.NoError(t, e1.AwaitTerminated(context.Background()))

	_, dials2 := startEngine(t, func(cfg *engine.Config) {
		cfg.Store = sessions
	})
	ft2 := nextDial(t, dials2)
	resumed := nextSent(t, ft2)

	assert.Equal(t, uid, resumed.GetInstanceUid(), "identity survives a restart")
	assert.Greater(t, resumed.GetSequenceNum(), lastSeq,
		"sequence numbers continue instead of repeating")
}

func TestHeartbeatPacesPollingTransport(t *testing.T) {
	e, dials := startEngine(t, func(cfg *engine.Config) {
		cfg.Endpoint = "https://fleet.example/v1/opamp"
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	ft := nextDial(t, dials)
	require.Equal(t, transport.ModePolling, ft.Mode())
	handshake(t, e, ft, testServerCaps)

	// Two more envelopes without any local change means the ticker polls.
	nextSent(t, ft)
	nextSent(t, ft)
}

func TestHealthUpdateIsReported(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	e.SetHealth(&protobufs.ComponentHealth{Healthy: true, Status: "running"})

	report := nextSent(t, ft)
	require.NotNil(t, report.GetHealth())
	assert.True(t, report.GetHealth().GetHealthy())
	assert.Equal(t, "running", report.GetHealth().GetStatus())
}

func TestHealthHandoffIsCopied(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	h := &protobufs.ComponentHealth{Healthy: true, Status: "running"}
	e.SetHealth(h)
	h.Healthy = false
	h.Status = "mutated after handoff"

	report := nextSent(t, ft)
	require.NotNil(t, report.GetHealth())
	assert.NotSame(t, h, report.GetHealth(), "the engine must not retain the caller's pointer")
	assert.True(t, report.GetHealth().GetHealthy())
	assert.Equal(t, "running", report.GetHealth().GetStatus(),
		"edits after the handoff must not leak into the report")
}

func TestRemoteConfigHandedToStoreIsCopied(t *testing.T) {
	store := &scriptedConfigStore{}
	e, dials := startEngine(t, func(cfg *engine.Config) {
		cfg.ConfigStore = store
	})
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	rc := &protobufs.AgentRemoteConfig{ConfigHash: []byte("copy-1")}
	ft.push(2, &protobufs.ServerToAgent{RemoteConfig: rc})
	nextSent(t, ft)

	applied := store.lastApplied()
	require.NotNil(t, applied)
	assert.NotSame(t, rc, applied, "the store gets its own copy of the offer")
	assert.Equal(t, []byte("copy-1"), applied.GetConfigHash())
}

func TestStatusQueuedBesideCriticalStillDelivered(t *testing.T) {
	e, dials := startEngine(t, nil)
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.push(2, &protobufs.ServerToAgent{
		CustomCapabilities: &protobufs.CustomCapabilities{
			Capabilities: []string{"io.fleetlink.debug"},
		},
	})
	require.Eventually(t, func() bool {
		return e.SendCustomMessage("io.fleetlink.debug", "ping", []byte("hi")) == nil
	}, 2*time.Second, 10*time.Millisecond)
	e.SetHealth(&protobufs.ComponentHealth{Healthy: true, Status: "running"})

	var sawCustom, sawHealth bool
	require.Eventually(t, func() bool {
		for _, msg := range ft.allSent() {
			if msg.GetCustomMessage() != nil {
				sawCustom = true
			}
			if msg.GetHealth() != nil {
				sawHealth = true
			}
		}
		return sawCustom && sawHealth
	}, 2*time.Second, 10*time.Millisecond,
		"a health report queued next to a custom message must still go out")
}

func TestSequenceRestartsPerConnectionWhenResumeDisabled(t *testing.T) {
	e, dials := startEngine(t, func(cfg *engine.Config) {
		cfg.ResetSequencesOnReconnect = true
	})
	ft := nextDial(t, dials)
	first := handshake(t, e, ft, testServerCaps)
	assert.Equal(t, uint64(1), first.GetSequenceNum())

	ft.recvErr <- transport.Disconnected("receive", errors.New("server went away"))

	ft2 := nextDial(t, dials)
	again := nextSent(t, ft2)
	assert.Equal(t, uint64(1), again.GetSequenceNum(),
		"numbering restarts with every connection when resumption is off")
}

func TestBackpressureEvictsOldestAcrossReconnect(t *testing.T) {
	dials := make(chan *fakeTransport, 8)
	gate := make(chan struct{})
	var dialMu sync.Mutex
	dialed := 0
	e, _ := startEngine(t, func(cfg *engine.Config) {
		cfg.CriticalQueueDepth = 2
		cfg.Dial = func(transport.Config) (transport.Transport, error) {
			dialMu.Lock()
			dialed++
			n := dialed
			dialMu.Unlock()
			if n > 1 {
				// Hold redials until the test has queued its messages.
				<-gate
			}
			ft := newFakeTransport(transport.ModeStreaming)
			dials <- ft
			return ft, nil
		}
	})
	events := e.Events()
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	ft.push(2, &protobufs.ServerToAgent{
		CustomCapabilities: &protobufs.CustomCapabilities{
			Capabilities: []string{"io.fleetlink.debug"},
		},
	})
	require.Eventually(t, func() bool {
		return e.SendCustomMessage("io.fleetlink.debug", "note", []byte("m0")) == nil
	}, 2*time.Second, 10*time.Millisecond)

	ft.recvErr <- transport.Disconnected("receive", errors.New("server went away"))
	require.Eventually(t, ft.isClosed, 2*time.Second, 10*time.Millisecond)

	// Three messages against a bound of two: the oldest makes room.
	require.NoError(t, e.SendCustomMessage("io.fleetlink.debug", "note", []byte("m1")))
	require.NoError(t, e.SendCustomMessage("io.fleetlink.debug", "note", []byte("m2")))
	require.NoError(t, e.SendCustomMessage("io.fleetlink.debug", "note", []byte("m3")))

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Kind == engine.EventBackpressure {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond, "the eviction must surface as a backpressure event")

	close(gate)
	ft2 := nextDial(t, dials)
	s1 := nextSent(t, ft2)
	require.NotNil(t, s1.GetCustomMessage())
	assert.Equal(t, []byte("m2"), s1.GetCustomMessage().GetData(),
		"the survivors go out in their original order")
	s2 := nextSent(t, ft2)
	require.NotNil(t, s2.GetCustomMessage())
	assert.Equal(t, []byte("m3"), s2.GetCustomMessage().GetData())
}

func TestEventsSurfaceConnectionLifecycle(t *testing.T) {
	e, dials := startEngine(t, nil)
	events := e.Events()
	ft := nextDial(t, dials)
	handshake(t, e, ft, testServerCaps)

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Kind == engine.EventConnected {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond, "connected event never delivered")
}
