package replication

import (
	"fmt"
	"net"
	"time"
)

// TCPTransport implements RPCClient over TCP using the replication wire
// framing (OpShipWAL / OpPromote).
type TCPTransport struct {
	Timeout time.Duration
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{Timeout: 2 * time.Second}
}

func (t *TCPTransport) ShipWAL(peer string, req ShipWALRequest) (ShipWALReply, error) {
	conn, err := net.DialTimeout("tcp", peer, t.Timeout)
	if err != nil {
		return ShipWALReply{}, err
	}
	defer conn.Close()

	if err := WriteMessage(conn, OpShipWAL, req); err != nil {
		return ShipWALReply{}, err
	}

	header, err := ReadHeader(conn)
	if err != nil {
		return ShipWALReply{}, err
	}
	if header.OpCode == OpError {
		var errReply Reply
		ReadBody(conn, header.Length, &errReply)
		return ShipWALReply{}, fmt.Errorf("replication: ship wal rpc error: %s", errReply.Error)
	}

	var reply ShipWALReply
	if err := ReadBody(conn, header.Length, &reply); err != nil {
		return ShipWALReply{}, err
	}
	return reply, nil
}

func (t *TCPTransport) Promote(peer string, req PromoteRequest) (PromoteReply, error) {
	conn, err := net.DialTimeout("tcp", peer, t.Timeout)
	if err != nil {
		return PromoteReply{}, err
	}
	defer conn.Close()

	if err := WriteMessage(conn, OpPromote, req); err != nil {
		return PromoteReply{}, err
	}

	header, err := ReadHeader(conn)
	if err != nil {
		return PromoteReply{}, err
	}
	if header.OpCode == OpError {
		var errReply Reply
		ReadBody(conn, header.Length, &errReply)
		return PromoteReply{}, fmt.Errorf("replication: promote rpc error: %s", errReply.Error)
	}

	var reply PromoteReply
	if err := ReadBody(conn, header.Length, &reply); err != nil {
		return PromoteReply{}, err
	}
	return reply, nil
}

// Server accepts incoming replication connections and dispatches them to
// a Node's ReceiveShipWAL (a Replica's side of the transport). One
// connection serves exactly one request/reply round trip; there are no
// persistent sessions.
type Server struct {
	node     *Node
	listener net.Listener
}

func NewServer(node *Node) *Server {
	return &Server{node: node}
}

func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l
	go s.acceptLoop()
	return nil
}

func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	header, err := ReadHeader(conn)
	if err != nil {
		return
	}

	switch header.OpCode {
	case OpShipWAL:
		var req ShipWALRequest
		if err := ReadBody(conn, header.Length, &req); err != nil {
			WriteMessage(conn, OpError, Reply{Error: err.Error()})
			return
		}
		reply := s.node.ReceiveShipWAL(req)
		WriteMessage(conn, OpReply, reply)

	default:
		WriteMessage(conn, OpError, Reply{Error: fmt.Sprintf("unsupported opcode %d", header.OpCode)})
	}
}
