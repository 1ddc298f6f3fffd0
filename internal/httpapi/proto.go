package httpapi

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxRequestBody caps protobuf request bodies.  Scan messages carry one
// token and a location, well under 4 KiB.
const maxRequestBody = 4096

const protobufContentType = "application/x-protobuf"

// isProtobuf returns true if the request's Content-Type indicates a
// protobuf payload.  Handheld scanners send "application/x-protobuf".
func isProtobuf(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == protobufContentType ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

// wantsProtobuf reports whether the response should be protobuf: either the
// request was, or the client asked for it.
func wantsProtobuf(r *http.Request) bool {
	return isProtobuf(r) || strings.Contains(r.Header.Get("Accept"), protobufContentType)
}

// readProto reads the request body and unmarshals it into msg.
func readProto(r *http.Request, msg proto.Message) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return proto.Unmarshal(body, msg)
}

// readStruct decodes a protobuf Struct body into dst through its JSON form,
// so both encodings share the same request types.
func readStruct(r *http.Request, dst any) error {
	var st structpb.Struct
	if err := readProto(r, &st); err != nil {
		return err
	}
	b, err := st.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		// Fall back to a plain-text error if marshalling fails.
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// respond writes v as protobuf or JSON depending on the request.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if !wantsProtobuf(r) {
		writeJSON(w, status, v)
		return
	}
	st, err := toStruct(v)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	writeProto(w, status, st)
}

// decodeBody reads JSON or protobuf into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !isProtobuf(r) {
		return decodeJSON(w, r, dst)
	}
	if err := readStruct(r, dst); err != nil {
		writeProto(w, http.StatusBadRequest, mustStruct(errorBody{Code: "bad_proto", Message: "invalid protobuf body"}))
		return false
	}
	return true
}

func mustStruct(v any) *structpb.Struct {
	st, err := toStruct(v)
	if err != nil {
		return &structpb.Struct{}
	}
	return st
}
