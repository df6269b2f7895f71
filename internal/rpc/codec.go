// Package rpc implements Herald's method-call envelope, dispatcher, and
// blocking remote proxy (spec.md §4.11). No teacher (zeromq-gyre)
// equivalent exists — Zyre carries opaque payloads, never calls back into
// local objects — so the wire grammar is grounded on
// original_source/pyboard/xmlrpc.py's string-split XML-RPC subset
// (methodCall/methodResponse, <int>/<string> values only), re-expressed
// with encoding/xml since the grammar is narrow enough that no
// third-party XML-RPC library in the retrieval pack fits without pulling
// in a far larger feature surface (struct/array values, HTTP transport)
// this system doesn't use.
package rpc

import (
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"
)

// RequestSubject/ReplySubject are the fixed bus subjects RPC traffic
// travels on (spec.md §4.11).
const (
	RequestSubject = "herald/rpc/xmlrpc"
	ReplySubject   = "herald/rpc/xmlrpc/reply"
)

// ErrUnsupportedType is returned when an argument or a method's return
// value is neither int nor string (spec.md §7 "UnsupportedType").
var ErrUnsupportedType = errors.New("rpc: unsupported type, only int and string are allowed")

type xmlValue struct {
	Int    *int    `xml:"int,omitempty"`
	String *string `xml:"string,omitempty"`
}

type xmlParam struct {
	Value xmlValue `xml:"value"`
}

type xmlParams struct {
	Param []xmlParam `xml:"param"`
}

type xmlMethodCall struct {
	XMLName    xml.Name  `xml:"methodCall"`
	MethodName string    `xml:"methodName"`
	Params     xmlParams `xml:"params"`
}

type xmlMethodResponse struct {
	XMLName xml.Name  `xml:"methodResponse"`
	Params  xmlParams `xml:"params"`
}

func toParams(args []interface{}) (xmlParams, error) {
	var params xmlParams
	for _, a := range args {
		switch v := a.(type) {
		case int:
			n := v
			params.Param = append(params.Param, xmlParam{Value: xmlValue{Int: &n}})
		case string:
			s := v
			params.Param = append(params.Param, xmlParam{Value: xmlValue{String: &s}})
		default:
			return xmlParams{}, ErrUnsupportedType
		}
	}
	return params, nil
}

func fromParams(params xmlParams) []interface{} {
	out := make([]interface{}, 0, len(params.Param))
	for _, p := range params.Param {
		switch {
		case p.Value.Int != nil:
			out = append(out, *p.Value.Int)
		case p.Value.String != nil:
			out = append(out, *p.Value.String)
		}
	}
	return out
}

// EncodeRequest renders a methodCall envelope for methodName with args
// (each must be int or string).
func EncodeRequest(methodName string, args []interface{}) ([]byte, error) {
	params, err := toParams(args)
	if err != nil {
		return nil, err
	}
	body, err := xml.Marshal(xmlMethodCall{MethodName: methodName, Params: params})
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// DecodeRequest parses a methodCall envelope into its method name and
// positional arguments.
func DecodeRequest(data []byte) (methodName string, args []interface{}, err error) {
	var call xmlMethodCall
	if err := xml.Unmarshal(data, &call); err != nil {
		return "", nil, errors.Wrap(err, "rpc: malformed methodCall")
	}
	return call.MethodName, fromParams(call.Params), nil
}

// EncodeResponse renders a methodResponse envelope carrying values.
func EncodeResponse(values []interface{}) ([]byte, error) {
	params, err := toParams(values)
	if err != nil {
		return nil, err
	}
	body, err := xml.Marshal(xmlMethodResponse{Params: params})
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// DecodeResponse parses a methodResponse envelope into its values.
func DecodeResponse(data []byte) ([]interface{}, error) {
	var resp xmlMethodResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "rpc: malformed methodResponse")
	}
	return fromParams(resp.Params), nil
}

// SplitMethodName splits a "service_<id>.<member>" method name on its
// first dot only; member may itself contain dots and is rejoined whole
// (spec.md §4.11).
func SplitMethodName(methodName string) (serviceName, member string, ok bool) {
	idx := strings.Index(methodName, ".")
	if idx < 0 {
		return "", "", false
	}
	return methodName[:idx], methodName[idx+1:], true
}
