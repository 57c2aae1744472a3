package config

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig is the STUN/TURN server list handed to clients (and used by
// the client core when constructing PeerConnections).
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

func parseICEFromValues(stunURLs, turnURLs, turnUsername, turnCredential string) (ICEConfig, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer

	if len(stunList) > 0 {
		for _, u := range stunList {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
				return ICEConfig{}, fmt.Errorf("%s: %q is not a stun:/stuns: URL", envVarStunURLs, u)
			}
		}
		servers = append(servers, webrtc.ICEServer{URLs: stunList})
	}

	if len(turnList) > 0 {
		for _, u := range turnList {
			if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return ICEConfig{}, fmt.Errorf("%s: %q is not a turn:/turns: URL", envVarTurnURLs, u)
			}
		}
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return ICEConfig{}, fmt.Errorf("%s and %s are required when %s is set", envVarTurnUsername, envVarTurnCredential, envVarTurnURLs)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnList,
			Username:   strings.TrimSpace(turnUsername),
			Credential: turnCredential,
		})
	}

	return ICEConfig{Servers: servers}, nil
}
