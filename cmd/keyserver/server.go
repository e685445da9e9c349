package main

import (
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sandrev/olm-go/internal/e2ee"
)

// directory holds published device keys and unclaimed one-time keys,
// addressed by "userID/deviceID".
type directory struct {
	mu      sync.Mutex
	devices map[string]e2ee.Device
	keys    map[string]map[string]json.RawMessage
}

func newDirectory() *directory {
	return &directory{
		devices: make(map[string]e2ee.Device),
		keys:    make(map[string]map[string]json.RawMessage),
	}
}

func deviceAddr(userID, deviceID string) string {
	return userID + "/" + deviceID
}

type keyHandler struct {
	dir    *directory
	logger *log.Logger
}

// UploadHandler stores a device's identity keys and signed one-time keys.
// PUT /keys/upload. Keys with a bad name or signature reject the whole
// upload so the client notices immediately.
func (h *keyHandler) UploadHandler(c *gin.Context) {
	var req e2ee.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Device.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for name, raw := range req.OneTimeKeys {
		if !strings.HasPrefix(name, "signed_curve25519:") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "key " + name + " is not a signed_curve25519 key"})
			return
		}
		if _, err := e2ee.VerifySignedOneTimeKey(raw, req.UserID, req.DeviceID, req.Ed25519Key); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	h.dir.mu.Lock()
	addr := deviceAddr(req.UserID, req.DeviceID)
	h.dir.devices[addr] = req.Device
	if h.dir.keys[addr] == nil {
		h.dir.keys[addr] = make(map[string]json.RawMessage)
	}
	for name, raw := range req.OneTimeKeys {
		h.dir.keys[addr][name] = raw
	}
	count := len(h.dir.keys[addr])
	h.dir.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"one_time_key_counts": gin.H{"signed_curve25519": count},
	})
}

// ClaimHandler pops one unclaimed key per requested device.
// POST /keys/claim. Devices without keys are reported under failures;
// claiming is first-uploaded-first-served by key name.
func (h *keyHandler) ClaimHandler(c *gin.Context) {
	var req e2ee.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := e2ee.ClaimResponse{
		OneTimeKeys: make(map[string]map[string]map[string]json.RawMessage),
		Failures:    make(map[string]json.RawMessage),
	}

	h.dir.mu.Lock()
	for userID, devices := range req.OneTimeKeys {
		for deviceID := range devices {
			pool := h.dir.keys[deviceAddr(userID, deviceID)]
			if len(pool) == 0 {
				resp.Failures[userID] = json.RawMessage(`{"status":404,"message":"no one-time keys available"}`)
				continue
			}
			names := make([]string, 0, len(pool))
			for name := range pool {
				names = append(names, name)
			}
			name := slices.Min(names)
			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[string]map[string]json.RawMessage)
			}
			resp.OneTimeKeys[userID][deviceID] = map[string]json.RawMessage{name: pool[name]}
			delete(pool, name)
		}
	}
	h.dir.mu.Unlock()

	c.JSON(http.StatusOK, resp)
}

// DeviceHandler returns a device's published identity keys.
// GET /keys/device/:userID/:deviceID.
func (h *keyHandler) DeviceHandler(c *gin.Context) {
	addr := deviceAddr(c.Param("userID"), c.Param("deviceID"))

	h.dir.mu.Lock()
	device, ok := h.dir.devices[addr]
	h.dir.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device " + addr})
		return
	}
	c.JSON(http.StatusOK, device)
}

// requestLogger tags every request with an id and logs the outcome.
func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := uuid.NewString()
		c.Header("X-Request-ID", id)
		c.Next()
		logger.Printf("%s %s %s -> %d (%s)",
			id[:8], c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// requireToken rejects requests without the configured bearer token.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid bearer token"})
			return
		}
		c.Next()
	}
}

func newRouter(dir *directory, token string, logger *log.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := &keyHandler{dir: dir, logger: logger}

	keys := router.Group("/keys")
	if token != "" {
		keys.Use(requireToken(token))
	}
	keys.PUT("/upload", h.UploadHandler)
	keys.POST("/claim", h.ClaimHandler)
	keys.GET("/device/:userID/:deviceID", h.DeviceHandler)

	return router
}
