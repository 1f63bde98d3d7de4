// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command nback is a dual n-back working memory trainer.
//
// Usage:
//
//	nback play              # terminal trainer
//	nback play --setup      # edit settings first
//	nback serve             # HTTP + WebSocket control surface
//	nback history           # stored sessions
//	nback config show
//
// Example requests against `nback serve`:
//
//	curl -X POST http://127.0.0.1:8480/v1/nback/start
//	curl -X POST http://127.0.0.1:8480/v1/nback/respond/position
//	curl http://127.0.0.1:8480/v1/nback/status | jq
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("nback: %v", err)
	}
}
