package main

import "hyperliquid-sentry/internal/cli"

func main() {
	cli.Execute()
}
