package client

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"onboard-service/internal/config"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickhouseAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost", "localhost:9000"},
		{"localhost:9440", "localhost:9440"},
		{"clickhouse://ch.internal:9000/onboarding", "ch.internal:9000"},
		{"https://ch.example.com", "ch.example.com:9000"},
		{"tcp://10.0.0.5:9001?debug=true", "10.0.0.5:9001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, clickhouseAddr(tt.in))
		})
	}
}

func writePair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "store.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "store.crt")
	keyFile = filepath.Join(dir, "store.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestTLSFiles_Load(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writePair(t, dir)

	cfg, err := tlsFiles{CAFile: certFile, CertFile: certFile, KeyFile: keyFile, ServerName: "store.test"}.load("Redis")
	require.NoError(t, err)

	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, "store.test", cfg.ServerName)
}

func TestTLSFiles_CAOnly(t *testing.T) {
	certFile, _ := writePair(t, t.TempDir())

	cfg, err := tlsFiles{CAFile: certFile}.load("ClickHouse")
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
}

func TestTLSFiles_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	_, err := tlsFiles{CAFile: filepath.Join(dir, "missing.pem")}.load("Redis")
	assert.ErrorContains(t, err, "Redis CA file")

	_, err = tlsFiles{CAFile: garbage}.load("Redis")
	assert.ErrorContains(t, err, "no certificates")

	certFile, _ := writePair(t, dir)
	_, err = tlsFiles{CertFile: certFile}.load("Redis")
	assert.ErrorContains(t, err, "client certificate")
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions(config.RedisConfig{URL: "redis://:urlpass@localhost:6380/3", Password: "cfgpass", DB: 1, PoolSize: 8})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", opts.Addr)
	assert.Equal(t, "urlpass", opts.Password)
	assert.Equal(t, 1, opts.DB)
	assert.Equal(t, 8, opts.PoolSize)
	assert.Equal(t, 2, opts.MinIdleConns)
	assert.Nil(t, opts.TLSConfig)

	opts, err = redisOptions(config.RedisConfig{URL: "redis://localhost:6379", Password: "cfgpass"})
	require.NoError(t, err)
	assert.Equal(t, "cfgpass", opts.Password)

	_, err = redisOptions(config.RedisConfig{URL: "http://localhost:6379"})
	assert.Error(t, err)
}

func TestRedisOptions_TLS(t *testing.T) {
	certFile, _ := writePair(t, t.TempDir())
	t.Setenv("REDIS_TLS_CA_FILE", certFile)
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	opts, err := redisOptions(config.RedisConfig{URL: "rediss://cache.internal:6380"})
	require.NoError(t, err)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "cache.internal", opts.TLSConfig.ServerName)
	assert.NotNil(t, opts.TLSConfig.RootCAs)

	t.Setenv("REDIS_TLS_CA_FILE", filepath.Join(t.TempDir(), "missing.pem"))
	_, err = redisOptions(config.RedisConfig{URL: "rediss://cache.internal:6380"})
	assert.ErrorContains(t, err, "Redis CA file")
}

func TestKafkaWriter(t *testing.T) {
	w := kafkaWriter(config.KafkaConfig{Brokers: []string{"k1:9092", "k2:9092"}, ClientID: "onboard", RequireAck: true}, false)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.False(t, w.AllowAutoTopicCreation)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)

	transport, ok := w.Transport.(*kafka.Transport)
	require.True(t, ok)
	assert.Equal(t, "onboard", transport.ClientID)

	w = kafkaWriter(config.KafkaConfig{Brokers: []string{"k1:9092"}}, true)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
	assert.True(t, w.AllowAutoTopicCreation)
}

func TestKafkaHeaders(t *testing.T) {
	got := kafkaHeaders(map[string]string{"phase": "authenticating", "event_type": "transition", "mode": "login"})
	assert.Equal(t, []kafka.Header{
		{Key: "event_type", Value: []byte("transition")},
		{Key: "mode", Value: []byte("login")},
		{Key: "phase", Value: []byte("authenticating")},
	}, got)
	assert.Empty(t, kafkaHeaders(nil))
}
