// Command mcp serves the invoice and dispute tools over MCP stdio, acting
// as one wallet against a running arcinvoice API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg, err := mcpserver.ConfigFromEnv(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger.Info("mcp server starting", "api", cfg.APIURL, "wallet", cfg.WalletAddress)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
