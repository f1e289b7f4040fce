// cmd/event-tail/main.go
//
// Assina <MQTT_BASE_TOPIC>/# e imprime cada mensagem que o cam-stream publica.
// Ferramenta de debug.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/config"
	"github.com/sua-org/cam-stream/internal/logger"
	"github.com/sua-org/cam-stream/internal/mqttclient"
)

func main() {
	_ = config.LoadDotEnv()

	log := logger.New(logger.Config{
		Level:  config.GetEnv("LOG_LEVEL", "info"),
		Format: config.GetEnv("LOG_FORMAT", "text"),
	})

	baseTopic := strings.TrimSuffix(config.GetEnv("MQTT_BASE_TOPIC", "cam-stream"), "/")
	topic := config.GetEnv("EVENT_TAIL_TOPIC", baseTopic+"/#")

	mqttCli, err := mqttclient.NewClient(mqttclient.ConfigFromEnv("cam-stream-event-tail"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("erro ao conectar no MQTT")
	}
	defer mqttCli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mqttCli.Subscribe(topic, 1, func(topic string, payload []byte) {
		handleMessage(log, topic, payload)
	}); err != nil {
		log.Fatal().Err(err).Str("topic", topic).Msg("erro ao assinar tópico")
	}
	log.Info().Str("topic", topic).Msg("subscribed")

	<-ctx.Done()
	log.Info().Msg("sinal recebido, encerrando")
}

func handleMessage(log zerolog.Logger, topic string, payload []byte) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		// status (online/offline) e linhas de output não são JSON
		log.Info().Str("topic", topic).Str("payload", string(payload)).Msg("mensagem")
		return
	}

	evt := log.Info().Str("topic", topic)
	if kind := getString(raw, "status", "reason", "detectionType", "stream"); kind != "" {
		evt = evt.Str("kind", kind)
	}
	evt.RawJSON("payload", payload).Msg("evento")
}

func getString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
