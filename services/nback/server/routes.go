// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers every route of s on router.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1/nback")
	{
		v1.GET("/status", s.handleStatus)
		v1.POST("/start", s.handleStart)
		v1.POST("/stop", s.handleStop)
		v1.POST("/reset", s.handleReset)
		v1.PATCH("/config", s.handleConfig)
		v1.POST("/respond/:channel", s.handleRespond)
		v1.GET("/results", s.handleResults)
		v1.GET("/sessions", s.handleSessions)
		v1.DELETE("/sessions/:sessionId", s.handleDeleteSession)
		v1.GET("/ws", s.handleWebSocket)
	}
}
