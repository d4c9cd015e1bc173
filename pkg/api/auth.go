package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/CIRWEL/unitares/pkg/ops"
)

// Credential headers. The session key is the fast path; the explicit
// uuid+key pair works anywhere and is required for rotate_key. The api key
// rides in X-API-Key or as an Authorization bearer token.
const (
	headerSessionKey = "X-Session-Key"
	headerAgentUUID  = "X-Agent-UUID"
	headerAPIKey     = "X-API-Key"
	headerAdminToken = "X-Admin-Token"
)

// credentialsFrom moves the credential headers onto the request. Raw keys
// never enter the argument bundle.
func credentialsFrom(c *gin.Context, req *ops.Request) {
	req.SessionKey = c.GetHeader(headerSessionKey)
	req.AgentUUID = c.GetHeader(headerAgentUUID)
	req.APIKey = c.GetHeader(headerAPIKey)
	if req.APIKey == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			req.APIKey = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	req.AdminToken = c.GetHeader(headerAdminToken)
	req.Fingerprint = transportFingerprint(c)
}

// transportFingerprint is the identity hint for callers with no
// credentials: client address plus user agent. The registry normalizes and
// hashes it before anything is stored.
func transportFingerprint(c *gin.Context) string {
	return "http:" + c.ClientIP() + ":" + c.Request.UserAgent()
}
