package handlers

import (
	"testing"

	"layerlog/internal/render"
	"layerlog/pkg/types"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSaramaConfigCompression(t *testing.T) {
	cases := map[string]sarama.CompressionCodec{
		"":       sarama.CompressionNone,
		"none":   sarama.CompressionNone,
		"gzip":   sarama.CompressionGZIP,
		"snappy": sarama.CompressionSnappy,
		"lz4":    sarama.CompressionLZ4,
		"zstd":   sarama.CompressionZSTD,
	}
	for name, want := range cases {
		sc, err := buildSaramaConfig(types.KafkaHandlerConfig{Compression: name})
		require.NoError(t, err, name)
		assert.Equal(t, want, sc.Producer.Compression, name)
	}

	_, err := buildSaramaConfig(types.KafkaHandlerConfig{Compression: "brotli"})
	assert.Error(t, err)
}

func TestBuildSaramaConfigSCRAM(t *testing.T) {
	sc, err := buildSaramaConfig(types.KafkaHandlerConfig{
		Auth: types.KafkaAuthConfig{
			Enabled:   true,
			Mechanism: "SCRAM-SHA-512",
			Username:  "svc",
			Password:  "pw",
		},
	})
	require.NoError(t, err)
	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLTypeSCRAMSHA512, string(sc.Net.SASL.Mechanism))
	require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)
	assert.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc())

	_, err = buildSaramaConfig(types.KafkaHandlerConfig{
		Auth: types.KafkaAuthConfig{Enabled: true, Mechanism: "NTLM"},
	})
	assert.Error(t, err)
}

func TestKafkaMessageCarriesSeqAndKey(t *testing.T) {
	h := &KafkaHandler{name: "kafka:test", topic: "logs", renderer: render.JSONRenderer{}}

	item := fileBatch(77).Items[0]
	msg, err := h.message(item)
	require.NoError(t, err)

	assert.Equal(t, "logs", msg.Topic)
	assert.Equal(t, uint64(77), msg.Metadata)
	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "api", string(key))

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(value), `"seq":77`)
}

func TestNewKafkaHandlerValidation(t *testing.T) {
	_, err := NewKafkaHandler(types.KafkaHandlerConfig{Topic: "logs"}, 3, testLogger())
	assert.Error(t, err)

	_, err = NewKafkaHandler(types.KafkaHandlerConfig{Brokers: []string{"localhost:9092"}}, 3, testLogger())
	assert.Error(t, err)
}
