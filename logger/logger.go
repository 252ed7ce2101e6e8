// Package logger provides adapters for popular logger libraries to work with betree's Logger interface.
//
// The standard library's slog.Logger already implements betree.Logger directly.
//
// Example with zap:
//
//	import (
//	    "github.com/alexhholmes/betree"
//	    "github.com/alexhholmes/betree/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    seg, err := betree.OpenSegment("data.seg",
//	        betree.WithSegmentLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer seg.Close()
//	}
package logger
