package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	// Ethereum address regex: 0x followed by 40 hex characters
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// BasicAuth returns a middleware that implements HTTP Basic Authentication.
// The control API can toggle sources and fire mirror executions, so it
// should never be exposed without credentials outside localhost.
func BasicAuth() gin.HandlerFunc {
	username := os.Getenv("REPLICATOR_AUTH_USERNAME")
	password := os.Getenv("REPLICATOR_AUTH_PASSWORD")

	return func(c *gin.Context) {
		// Skip auth if credentials not configured
		if username == "" || password == "" {
			c.Next()
			return
		}

		user, pass, hasAuth := c.Request.BasicAuth()
		if !hasAuth {
			c.Header("WWW-Authenticate", `Basic realm="Trade Replicator"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		// Use constant-time comparison to prevent timing attacks
		usernameMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", `Basic realm="Trade Replicator"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Next()
	}
}

// ValidateSourceAddress validates that the :id parameter is a valid
// Ethereum address and stores the normalized form.
func ValidateSourceAddress() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("id")
		if address == "" {
			c.Next()
			return
		}

		// Normalize to lowercase
		address = strings.ToLower(strings.TrimSpace(address))

		if !ethAddressRegex.MatchString(address) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Invalid source address. Must be a valid Ethereum address (0x + 40 hex characters)",
			})
			return
		}

		c.Set("validatedAddress", address)
		c.Next()
	}
}

// ValidateQueryParams validates common query parameters
func ValidateQueryParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Validate limit parameter
		if limitStr := c.Query("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil || limit < 1 || limit > 10000 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid limit parameter. Must be a positive integer between 1 and 10000",
				})
				return
			}
		}

		// Validate active parameter
		if active := c.Query("active"); active != "" {
			switch strings.ToLower(active) {
			case "true", "false", "1", "0":
			default:
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid active parameter. Must be true or false",
				})
				return
			}
		}

		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(strings.ToLower(strings.TrimSpace(addr)))
}
