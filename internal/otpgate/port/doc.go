// Package port holds the OTP transports: a JSON HTTP API mounted on a
// grpc-gateway runtime.ServeMux and a gRPC service whose messages are
// google.protobuf.Struct values carrying the same fields.
//
// Both transports map service results through the same response builders
// so a failed verification looks identical on either wire.
package port
