// Package websocket implements the WebSocket protocol defined in RFC 6455
// with permessage-deflate compression per RFC 7692.
//
// The package provides:
//   - Server-side connection upgrading via Upgrader
//   - Client-side connection dialing via Dialer
//   - Subprotocol and extension negotiation
//   - Frame and message level reads, with size limits enforced before delivery
//   - The close handshake, and aborts that are distinguishable from clean closes
//   - JSON helpers and prepared messages for broadcasting
//
// Server Example:
//
//	cfg, err := websocket.ParseServerConfig(data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	upgrader := &websocket.Upgrader{Config: cfg, Logger: logger}
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := upgrader.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    defer conn.Close()
//
//	    for {
//	        msg, err := conn.ReadMessage()
//	        if err != nil {
//	            return
//	        }
//	        if err := conn.WriteMessage(msg.Type, msg.Payload); err != nil {
//	            return
//	        }
//	    }
//	}
//
// Client Example:
//
//	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://localhost:8080/ws", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	if err := conn.WriteText("hello"); err != nil {
//	    log.Fatal(err)
//	}
//	_ = conn.Shutdown(ctx, websocket.CloseNormalClosure, "")
//
// Concurrency:
//
// A connection supports one reader goroutine (ReadFrame, ReadMessage,
// NextReader, ReadJSON) and any number of writer goroutines. Writes are
// serialized: frames of one application message stay together, while
// control frames such as automatic pongs may go out between the fragments
// of a message written with NextWriter. Close may be called from any
// goroutine and unblocks pending reads and writes with ErrAborted,
// including writers waiting for another goroutine's NextWriter to finish.
//
// Closing:
//
// The first close frame sent or received fixes the close status, which is
// delivered once through CloseStatus. Reads after the peer's close frame
// return *CloseError. A transport that ends without a close frame yields
// ErrTransportAbort and the status CloseAbnormalClosure. Protocol violations
// are reported as *ProtocolError, answered with a close frame carrying the
// matching code, and abort the connection.
//
// Origin Checking:
//
// Web browsers allow any site to open a WebSocket connection to any other site.
// The server must validate the Origin header to prevent attacks. The Upgrader
// calls the CheckOrigin function to validate the request origin. If CheckOrigin
// is nil, the Upgrader uses a safe default that rejects cross-origin requests.
//
// Compression:
//
// Per-message compression is negotiated during the handshake when Compress
// is set in the server and client configuration. The server never keeps its
// compression context between messages; a client reading from a server that
// does is supported.
package websocket
