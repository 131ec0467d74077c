package tools

import (
	"github.com/runledger/runledger/pkg/server"
)

type Tool interface {
	Register(srv *server.Server) error
}
