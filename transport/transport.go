// Package transport implements the §6 wire envelope shared by the raylet
// socket and the object store socket: `[length:u64][type:u64][payload]`
// framing over a plain net.Conn, plus optional lz4 compression on the
// object-manager Push/Pull path.
//
// The gRPC wire framing itself is explicitly out of scope (spec §1); this
// is the minimal length-prefixed framing the core actually needs, mirroring
// aistore's transport.ObjHdr/bundle.DataMover usage in xact/xs/tcb.go
// (header + optional compression ahead of a streamed payload) without
// aistore's HTTP/DataMover machinery, which is the wrong shape for a
// Unix-domain control socket.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v3"
)

// MessageType tags every frame on the raylet and object-store sockets
// (spec §6 "Wire messages" and "Object store socket").
type MessageType uint64

const (
	_ MessageType = iota

	// Raylet socket (node manager <-> worker, node manager <-> node manager).
	MsgRegisterClientRequest
	MsgRegisterClientReply
	MsgSubmitTask
	MsgGetTask
	MsgExecuteTask
	MsgTaskDone
	MsgFetchOrReconstruct
	MsgNotifyUnblocked
	MsgWait
	MsgWaitReply
	MsgPush
	MsgPull
	MsgFreeObjects
	MsgAddObjectLocationOwner
	MsgRemoveObjectLocationOwner
	MsgGetObjectLocationsOwner
	MsgReportWorkerFailure
	MsgRegisterWorker
	MsgGetWorkerInfo
	MsgAddWorkerInfo

	// Object store socket (spec §4.1 operations).
	MsgPlasmaCreateRequest
	MsgPlasmaSealRequest
	MsgPlasmaReleaseRequest
	MsgPlasmaGetRequest
	MsgPlasmaEvictRequest
	MsgPlasmaSubscribeRequest
	MsgPlasmaWaitRequest
	MsgObjectInfoNotify // pushed unsolicited on the sealed-object notification socket
)

func (t MessageType) String() string {
	switch t {
	case MsgRegisterClientRequest:
		return "RegisterClientRequest"
	case MsgRegisterClientReply:
		return "RegisterClientReply"
	case MsgSubmitTask:
		return "SubmitTask"
	case MsgGetTask:
		return "GetTask"
	case MsgExecuteTask:
		return "ExecuteTask"
	case MsgTaskDone:
		return "TaskDone"
	case MsgFetchOrReconstruct:
		return "FetchOrReconstruct"
	case MsgNotifyUnblocked:
		return "NotifyUnblocked"
	case MsgWait:
		return "Wait"
	case MsgWaitReply:
		return "WaitReply"
	case MsgPush:
		return "Push"
	case MsgPull:
		return "Pull"
	case MsgFreeObjects:
		return "FreeObjects"
	case MsgAddObjectLocationOwner:
		return "AddObjectLocationOwner"
	case MsgRemoveObjectLocationOwner:
		return "RemoveObjectLocationOwner"
	case MsgGetObjectLocationsOwner:
		return "GetObjectLocationsOwner"
	case MsgReportWorkerFailure:
		return "ReportWorkerFailure"
	case MsgRegisterWorker:
		return "RegisterWorker"
	case MsgGetWorkerInfo:
		return "GetWorkerInfo"
	case MsgAddWorkerInfo:
		return "AddWorkerInfo"
	case MsgPlasmaCreateRequest:
		return "PlasmaCreateRequest"
	case MsgPlasmaSealRequest:
		return "PlasmaSealRequest"
	case MsgPlasmaReleaseRequest:
		return "PlasmaReleaseRequest"
	case MsgPlasmaGetRequest:
		return "PlasmaGetRequest"
	case MsgPlasmaEvictRequest:
		return "PlasmaEvictRequest"
	case MsgPlasmaSubscribeRequest:
		return "PlasmaSubscribeRequest"
	case MsgPlasmaWaitRequest:
		return "PlasmaWaitRequest"
	case MsgObjectInfoNotify:
		return "ObjectInfoNotify"
	default:
		return fmt.Sprintf("MessageType(%d)", uint64(t))
	}
}

// frameHeaderLen is the fixed [length:u64][type:u64] prefix; length counts
// only the payload that follows it.
const frameHeaderLen = 16

// maxPayloadLen guards against a corrupt or hostile length prefix forcing
// an unbounded allocation.
const maxPayloadLen = 256 << 20

// WriteMessage frames typ and payload as
// [length:u64][type:u64][payload:bytes] and writes it to w in one call
// (spec §6 raylet/object-store socket framing).
func WriteMessage(w io.Writer, typ MessageType, payload []byte) error {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(len(payload)))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(typ))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (MessageType, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint64(hdr[0:8])
	typ := MessageType(binary.BigEndian.Uint64(hdr[8:16]))
	if length > maxPayloadLen {
		return 0, nil, fmt.Errorf("transport: frame length %d exceeds max %d", length, maxPayloadLen)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("transport: read payload: %w", err)
		}
	}
	return typ, payload, nil
}

// CompressPush lz4-compresses an object-manager Push/Pull payload, used
// optionally ahead of WriteMessage for MsgPush/MsgPull frames carrying
// object bytes (spec §6, mirroring aistore's dmExtra.Compression).
func CompressPush(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("transport: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("transport: lz4 compress close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressPush reverses CompressPush.
func DecompressPush(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("transport: lz4 decompress: %w", err)
	}
	return out, nil
}
