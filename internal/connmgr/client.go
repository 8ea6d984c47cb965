package connmgr

import (
	"log/slog"

	"github.com/sheerbytes/jalebi/internal/config"
	"github.com/sheerbytes/jalebi/internal/transport"
)

// FromClientConfig maps command-line client settings onto a manager Config.
func FromClientConfig(cc config.ClientConfig, logger *slog.Logger) Config {
	return Config{
		ServerURL: cc.ServerURL,
		Transport: cc.Transport,
		WebRTC: transport.WebRTCConfig{
			StunServers: cc.StunServers,
			TurnServers: cc.TurnServers,
			Logger:      logger,
		},
		QUIC: transport.QUICConfig{
			StunServers: cc.StunServers,
			Logger:      logger,
		},
		Logger: logger,
	}
}
