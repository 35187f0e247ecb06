package mqtt

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mabuchilab/instrumental/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "instrumental-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// skipIfNoBroker skips tests that need a broker at 127.0.0.1:1883.
func skipIfNoBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 500*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available, skipping")
	}
	conn.Close()
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"FacetValue", topics.FacetValue("lockin", "frequency"), "instrumental/lockin/facet/frequency"},
		{"FacetCommand", topics.FacetCommand("psu", "output"), "instrumental/psu/facet/output/set"},
		{"SystemStatus", topics.SystemStatus(), "instrumental/system/status"},
		{"AllFacetValues", topics.AllFacetValues(), "instrumental/+/facet/+"},
		{"AllFacetCommands", topics.AllFacetCommands(), "instrumental/+/facet/+/set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestParseFacetCommand(t *testing.T) {
	tests := []struct {
		topic      string
		instrument string
		facet      string
		ok         bool
	}{
		{"instrumental/lockin/facet/frequency/set", "lockin", "frequency", true},
		{"instrumental/lockin/facet/frequency", "", "", false},
		{"instrumental//facet/frequency/set", "", "", false},
		{"other/lockin/facet/frequency/set", "", "", false},
		{"instrumental/lockin/event/x/set", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			inst, facet, ok := ParseFacetCommand(tt.topic)
			if ok != tt.ok || inst != tt.instrument || facet != tt.facet {
				t.Errorf("ParseFacetCommand() = %q, %q, %v; want %q, %q, %v",
					inst, facet, ok, tt.instrument, tt.facet, tt.ok)
			}
		})
	}
}

// =============================================================================
// Option and Payload Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "bench"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "instrumental-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "bench" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}

	cfg.Broker.TLS = true
	opts = buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig not set")
	}
}

func TestConfigureWill(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureWill(opts, "bench-7")

	if !opts.WillEnabled || !opts.WillRetained || opts.WillQos != willQoS {
		t.Errorf("will enabled=%v retained=%v qos=%d", opts.WillEnabled, opts.WillRetained, opts.WillQos)
	}
	if opts.WillTopic != "instrumental/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	var msg StatusMessage
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("WillPayload not JSON: %v", err)
	}
	if msg.Status != StatusOffline || msg.ClientID != "bench-7" || msg.Reason != ReasonDisconnect {
		t.Errorf("will = %+v", msg)
	}
}

func TestStatusPayload(t *testing.T) {
	var online map[string]any
	if err := json.Unmarshal(statusPayload(StatusOnline, "bench", ""), &online); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if online["status"] != "online" || online["client_id"] != "bench" {
		t.Errorf("online = %v", online)
	}
	if _, ok := online["reason"]; ok {
		t.Error("online status carries a reason")
	}
}

func TestFacetValueKey(t *testing.T) {
	v := FacetValue{InstrumentID: "3f2a", Facet: "frequency"}
	if v.Key() != "3f2a" {
		t.Errorf("Key() without alias = %q", v.Key())
	}
	v.Alias = "lockin"
	if v.Key() != "lockin" {
		t.Errorf("Key() with alias = %q", v.Key())
	}
}

// =============================================================================
// Validation Tests (no broker needed)
// =============================================================================

func TestPublishValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", nil, 1, ErrInvalidTopic},
		{"invalid qos", "instrumental/x/facet/y", nil, 3, ErrInvalidQoS},
		{"oversized payload", "instrumental/x/facet/y", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "instrumental/x/facet/y", []byte(`{}`), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("a", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := c.Subscribe("a", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Subscribe("a", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if len(c.subscriptions) != 0 {
		t.Error("failed subscription was tracked")
	}
	if err := c.SubscribeFacetCommands(nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil command handler error = %v", err)
	}
}

func TestPublishFacetValueValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if err := c.PublishFacetValue(FacetValue{Facet: "frequency"}); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("no instrument error = %v", err)
	}
	if err := c.PublishFacetValue(FacetValue{Alias: "lockin"}); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("no facet error = %v", err)
	}
	if err := c.PublishFacetValue(FacetValue{Alias: "lockin", Facet: "frequency", New: 1000.0}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
}

func TestFacetCommandHandler(t *testing.T) {
	var got []FacetCommand
	h := facetCommandHandler(func(cmd FacetCommand) error {
		got = append(got, cmd)
		return nil
	})

	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr bool
	}{
		{"json value", "instrumental/psu/facet/voltage/set", `{"value":"5 V"}`, false},
		{"bare text trimmed", "instrumental/lockin/facet/frequency/set", " 2.5 kHz\n", false},
		{"value topic", "instrumental/psu/facet/voltage", `1`, true},
		{"empty payload", "instrumental/psu/facet/voltage/set", "  ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h(tt.topic, []byte(tt.payload))
			if tt.wantErr != (err != nil) {
				t.Fatalf("handler error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrBadCommand) {
				t.Errorf("error = %v, want ErrBadCommand", err)
			}
		})
	}

	if len(got) != 2 {
		t.Fatalf("delivered %d commands, want 2", len(got))
	}
	if got[0].Instrument != "psu" || got[0].Facet != "voltage" || string(got[0].Value) != `{"value":"5 V"}` {
		t.Errorf("first command = %+v", got[0])
	}
	if got[1].Instrument != "lockin" || string(got[1].Value) != "2.5 kHz" {
		t.Errorf("second command = %+v (value %q)", got[1], got[1].Value)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestWrapHandler(t *testing.T) {
	logger := &recordingLogger{}
	c := &Client{}
	c.SetLogger(logger)

	failing := c.wrapHandler(func(string, []byte) error { return errors.New("unknown facet") })
	failing(nil, fakeMessage{topic: "instrumental/x/facet/y/set"})

	panicking := c.wrapHandler(func(string, []byte) error { panic("boom") })
	panicking(nil, fakeMessage{topic: "instrumental/x/facet/y/set"})

	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want one handler error", logger.warns)
	}
	if len(logger.errs) != 1 {
		t.Errorf("errors = %v, want one recovered panic", logger.errs)
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnectAndPublishFacetValue(t *testing.T) {
	skipIfNoBroker(t)

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	err = client.PublishFacetValue(FacetValue{
		InstrumentID: "test-1",
		Alias:        "test-lockin",
		Driver:       "lockins.sr850",
		Class:        "SR850",
		Facet:        "frequency",
		New:          "1000 Hz",
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		t.Errorf("PublishFacetValue() error = %v", err)
	}
}

func TestFacetCommandDelivery(t *testing.T) {
	skipIfNoBroker(t)

	cfg := testConfig()
	cfg.Broker.ClientID = "instrumental-test-pub"
	pub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	cfg.Broker.ClientID = "instrumental-test-sub"
	sub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan FacetCommand, 1)
	err = sub.SubscribeFacetCommands(func(cmd FacetCommand) error {
		received <- cmd
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeFacetCommands() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(Topics{}.FacetCommand("test-psu", "voltage"), []byte(`"5 V"`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got.Instrument != "test-psu" || got.Facet != "voltage" || string(got.Value) != `"5 V"` {
			t.Errorf("received %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for facet command")
	}
}
