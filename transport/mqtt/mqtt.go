// Package mqtt provides a storage network emulated on an MQTT broker.
//
// Every blob and feed slot is a retained message. Blobs live under
// "{prefix}/bytes/{ref}" and are addressed by the BLAKE3 hash of their
// content. Feed slots live under "{prefix}/feeds/{owner}/{topic}/{index}"
// as owner-signed CBOR envelopes, and the most recent slot is mirrored to
// "{prefix}/feeds/{owner}/{topic}/latest". Readers subscribe to a topic and
// treat the absence of a retained message within RetainedWait as not found.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/transport"
)

// Compile-time interface checks.
var (
	_ transport.Store     = (*Store)(nil)
	_ transport.Connector = (*Store)(nil)
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "feedroom"

	// DefaultRetainedWait is how long a read waits for a retained message.
	DefaultRetainedWait = 2 * time.Second

	// DefaultRequestTimeout bounds every broker round trip.
	DefaultRequestTimeout = 10 * time.Second

	latestSlot = "latest"
)

// Config holds the configuration for an MQTT store.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "feedroom").
	TopicPrefix string
	// RetainedWait is how long a read waits for a retained message before
	// reporting not found (default: 2s).
	RetainedWait time.Duration
	// RequestTimeout bounds subscribe and publish acknowledgements
	// (default: 10s).
	RequestTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store implements transport.Store over MQTT retained messages.
type Store struct {
	cfg          Config
	client       paho.Client
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	stateHandler transport.StateHandler

	// A topic has a single subscription handler; concurrent fetches of the
	// same topic take turns.
	locksMu sync.Mutex
	locks   map[string]*topicLock
}

type topicLock struct {
	sync.Mutex
	refs int
}

// New creates a new MQTT store with the given configuration.
func New(cfg Config) *Store {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.RetainedWait <= 0 {
		cfg.RetainedWait = DefaultRetainedWait
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("mqtt"),
		locks: make(map[string]*topicLock),
	}
}

// Start connects to the MQTT broker.
func (s *Store) Start(ctx context.Context) error {
	if s.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "feedroom-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnected).
		SetConnectionLostHandler(s.onConnectionLost).
		SetReconnectingHandler(s.onReconnecting)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := paho.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if err := s.wait(ctx, client.Connect(), 30*time.Second); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Disconnect(1000)
		s.connected = false
	}
	return nil
}

// IsConnected returns true if the store is connected to the broker.
func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && s.client != nil && s.client.IsConnected()
}

// SetStateHandler sets the callback for connection state changes.
func (s *Store) SetStateHandler(fn transport.StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHandler = fn
}

// Upload publishes data as a retained blob.
func (s *Store) Upload(ctx context.Context, data []byte, _ transport.Stamp) (transport.Reference, error) {
	ref := blobRef(data)
	if err := s.publish(ctx, s.blobTopic(ref), encodeBlob(data)); err != nil {
		return transport.Reference{}, fmt.Errorf("uploading %s: %w", ref, err)
	}
	return ref, nil
}

// Download fetches and verifies a retained blob.
func (s *Store) Download(ctx context.Context, ref transport.Reference) ([]byte, error) {
	payload, err := s.fetch(ctx, s.blobTopic(ref))
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", ref, err)
	}
	return decodeBlob(payload, ref)
}

// ReadFeed fetches a feed slot, or the latest slot when index is nil.
func (s *Store) ReadFeed(ctx context.Context, owner core.Address, topic feed.Topic, index *uint64) (*transport.FeedUpdate, error) {
	name := latestSlot
	if index != nil {
		name = feed.FormatIndex(*index)
	}
	payload, err := s.fetch(ctx, s.feedTopic(owner, topic, name))
	if err != nil {
		return nil, fmt.Errorf("reading feed %s/%s/%s: %w", owner, topic, name, err)
	}
	return openSlot(payload, owner, topic, index)
}

// WriteFeed publishes a signed slot and, when it is the newest, mirrors it
// to the latest marker. A slot already holding a validly signed entry is
// never republished. The broker has no compare-and-set, so two writers
// racing on the same empty slot can still both publish; readers then see
// whichever retained message the broker kept.
func (s *Store) WriteFeed(ctx context.Context, signer crypto.Signer, topic feed.Topic, index *uint64, ref transport.Reference, _ transport.Stamp) (uint64, error) {
	owner := signer.Address()

	var latest *transport.FeedUpdate
	if head, err := s.ReadFeed(ctx, owner, topic, nil); err == nil {
		latest = head
	} else if !transport.IsNotFound(err) {
		return 0, err
	}

	var i uint64
	switch {
	case index != nil:
		i = *index
	case latest == nil:
		return 0, fmt.Errorf("feed %s/%s: %w", owner, topic, transport.ErrNotFound)
	default:
		i = latest.NextIndex
	}

	if existing, err := s.ReadFeed(ctx, owner, topic, &i); err == nil {
		if existing.Reference == ref {
			return i, nil
		}
		return 0, fmt.Errorf("feed %s/%s index %d: %w", owner, topic, i, transport.ErrSlotTaken)
	} else if !transport.IsNotFound(err) && !errors.Is(err, errInvalidSlot) {
		return 0, err
	}

	payload, err := sealSlot(signer, topic, i, ref)
	if err != nil {
		return 0, err
	}
	if err := s.publish(ctx, s.feedTopic(owner, topic, feed.FormatIndex(i)), payload); err != nil {
		return 0, fmt.Errorf("writing feed slot %d: %w", i, err)
	}
	if latest == nil || i >= latest.NextIndex {
		if err := s.publish(ctx, s.feedTopic(owner, topic, latestSlot), payload); err != nil {
			return 0, fmt.Errorf("updating latest marker: %w", err)
		}
	}
	return i, nil
}

func (s *Store) blobTopic(ref transport.Reference) string {
	return s.cfg.TopicPrefix + "/bytes/" + ref.String()
}

func (s *Store) feedTopic(owner core.Address, topic feed.Topic, slot string) string {
	return s.cfg.TopicPrefix + "/feeds/" + owner.String() + "/" + topic.String() + "/" + slot
}

func (s *Store) currentClient() (paho.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.client == nil {
		return nil, transport.ErrNotConnected
	}
	return s.client, nil
}

func (s *Store) publish(ctx context.Context, topic string, payload []byte) error {
	client, err := s.currentClient()
	if err != nil {
		return err
	}
	return s.wait(ctx, client.Publish(topic, 1, true, payload), s.cfg.RequestTimeout)
}

// fetch subscribes to topic and returns its retained payload.
func (s *Store) fetch(ctx context.Context, topic string) ([]byte, error) {
	client, err := s.currentClient()
	if err != nil {
		return nil, err
	}

	unlock := s.lockTopic(topic)
	defer unlock()

	got := make(chan []byte, 1)
	token := client.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		select {
		case got <- m.Payload():
		default:
		}
	})
	if err := s.wait(ctx, token, s.cfg.RequestTimeout); err != nil {
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	defer client.Unsubscribe(topic)

	timer := time.NewTimer(s.cfg.RetainedWait)
	defer timer.Stop()

	select {
	case payload := <-got:
		// An empty retained payload is how MQTT deletes a retained message.
		if len(payload) == 0 {
			return nil, transport.ErrNotFound
		}
		return payload, nil
	case <-timer.C:
		return nil, transport.ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) lockTopic(topic string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[topic]
	if !ok {
		l = &topicLock{}
		s.locks[topic] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, topic)
		}
		s.locksMu.Unlock()
	}
}

// wait blocks until token completes, ctx ends or timeout elapses.
func (s *Store) wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return transport.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) onConnected(_ paho.Client) {
	s.mu.Lock()
	s.connected = true
	handler := s.stateHandler
	s.mu.Unlock()

	s.log.Info("connected to MQTT broker", "broker", s.cfg.Broker)

	if handler != nil {
		handler(s, transport.EventConnected)
	}
}

func (s *Store) onConnectionLost(_ paho.Client, err error) {
	s.mu.Lock()
	s.connected = false
	handler := s.stateHandler
	s.mu.Unlock()

	s.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(s, transport.EventDisconnected)
	}
}

func (s *Store) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	s.mu.RLock()
	handler := s.stateHandler
	s.mu.RUnlock()

	s.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(s, transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
