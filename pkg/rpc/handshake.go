package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Features advertised by hello_ack.
var Features = []string{"rpc", "emit", "watch"}

// ComputeAPIHash is SHA-256 of the sorted method-id list, first 10 hex
// chars, per spec §4.8.
func ComputeAPIHash(methodIDs []string) string {
	sorted := append([]string(nil), methodIDs...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:10]
}

// HandshakeConfig configures server-side handshake acceptance.
type HandshakeConfig struct {
	ServerVersion   string
	RequiredMods    []string // every client must report having all of these, if non-empty
	JWTSigningKey   []byte   // signs the handshake token (binding connection id and apiHash) that Accept returns beside hello_ack
	TokenTTL        time.Duration
}

// handshakeClaims binds a successful handshake to its connection and API
// hash, so a reconnect can present proof of a prior handshake, grounded on
// the teacher's core/pkg/auth/middleware.go JWT-claims convention.
type handshakeClaims struct {
	jwt.RegisteredClaims
	ConnectionID string `json:"cid"`
	APIHash      string `json:"api_hash"`
}

// Handshake performs the server side of spec §4.8's hello/hello_ack
// exchange. methodIDs is the full set of allowlisted method ids (used to
// compute apiHash). connID identifies the transport connection.
type Handshake struct {
	cfg       HandshakeConfig
	methodIDs []string
}

// NewHandshake constructs a Handshake bound to the dispatcher's allowlisted
// method ids.
func NewHandshake(cfg HandshakeConfig, methodIDs []string) *Handshake {
	return &Handshake{cfg: cfg, methodIDs: methodIDs}
}

// Accept validates hello and returns either a HelloAckFrame plus a signed
// token, or a HandshakeFailFrame. ok reports whether the connection should
// be marked ready.
func (h *Handshake) Accept(connID string, hello HelloFrame) (ack HelloAckFrame, fail HandshakeFailFrame, token string, ok bool) {
	if hello.Protocol != Protocol {
		return HelloAckFrame{}, HandshakeFailFrame{Protocol: Protocol, Type: FrameHandshakeFail, Reason: fmt.Sprintf("unsupported protocol version %d", hello.Protocol)}, "", false
	}

	for _, required := range h.cfg.RequiredMods {
		found := false
		for _, have := range hello.Client.Mods {
			if have == required {
				found = true
				break
			}
		}
		if !found {
			return HelloAckFrame{}, HandshakeFailFrame{Protocol: Protocol, Type: FrameHandshakeFail, Reason: fmt.Sprintf("missing required mod %q", required)}, "", false
		}
	}

	apiHash := ComputeAPIHash(h.methodIDs)
	ack = HelloAckFrame{
		Protocol: Protocol,
		Type:     FrameHelloAck,
		Server: ServerInfo{
			Version:  h.cfg.ServerVersion,
			APIHash:  apiHash,
			Features: Features,
		},
	}

	if len(h.cfg.JWTSigningKey) > 0 {
		signed, err := h.signToken(connID, apiHash)
		if err == nil {
			token = signed
		}
	}
	return ack, HandshakeFailFrame{}, token, true
}

func (h *Handshake) signToken(connID, apiHash string) (string, error) {
	ttl := h.cfg.TokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	claims := handshakeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ConnectionID: connID,
		APIHash:      apiHash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.cfg.JWTSigningKey)
}

// VerifyToken validates a previously issued handshake token and returns the
// bound connection id and API hash.
func (h *Handshake) VerifyToken(tokenString string) (connID, apiHash string, err error) {
	claims := &handshakeClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return h.cfg.JWTSigningKey, nil
	})
	if err != nil {
		return "", "", err
	}
	return claims.ConnectionID, claims.APIHash, nil
}
