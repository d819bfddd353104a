// Package config loads authcoord configuration.
//
// Configuration lives in a single directory, ~/.config/authcoord by
// default or the directory passed with --config-path. The directory holds
// one config.yaml:
//
//	providers:
//	  - name: google
//	    type: oauth2
//	    oauth2:
//	      clientId: my-client
//	      clientSecret: ${GOOGLE_CLIENT_SECRET}
//	      redirectUrl: https://auth.example.com/callback
//	      issuer: https://accounts.google.com
//	  - name: ci
//	    type: api_key
//	    rateLimit: {perSecond: 2, burst: 5}
//	    apiKey:
//	      keys:
//	        - id: pipeline
//	          sha256: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
//	storage:
//	  type: file
//	  path: /var/lib/authcoord
//	  encryptionKey: ${AUTHCOORD_ENCRYPTION_KEY}
//	security:
//	  encryptCredentials: true
//
// Missing sections keep their defaults (see GetDefaultConfig). ${VAR}
// references are expanded from the environment before parsing. Unknown
// fields are rejected.
//
// # Errors
//
// LoadConfig validates the whole file and reports every problem at once
// as a *ConfigurationErrorCollection. Each ConfigurationError names its
// section and the dotted field path, with suggestions where a fix is known.
package config
