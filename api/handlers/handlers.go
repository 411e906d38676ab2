package handlers

import (
	"github.com/feichai0017/packet-processor/internal/service/packet"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

type Handlers struct {
	Packet *PacketHandler
}

func NewHandlers(packetService packet.PacketService, maxUploadSize int64, logger logger.Logger) *Handlers {
	return &Handlers{
		Packet: NewPacketHandler(packetService, maxUploadSize, logger),
	}
}
