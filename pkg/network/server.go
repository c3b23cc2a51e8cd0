package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

const (
	// maxFrameSize bounds a single length-prefixed frame. Membership tables
	// are small; anything near this limit is a protocol error.
	maxFrameSize = 4 * 1024 * 1024

	idleTimeout = 30 * time.Second
)

// MessageHandler consumes decoded frames from peer connections.
type MessageHandler interface {
	HandleMessage(data []byte, conn net.Conn) error
}

// Server accepts node-to-node TCP connections carrying length-prefixed
// frames (4-byte big-endian length, then payload).
type Server struct {
	address  string
	handler  MessageHandler
	listener net.Listener
	wg       sync.WaitGroup
	stopChan chan struct{}
}

func NewServer(address string, handler MessageHandler) *Server {
	return &Server{
		address:  address,
		handler:  handler,
		stopChan: make(chan struct{}),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener

	log.Printf("[Network] member transport listening on %s", s.address)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() error {
	close(s.stopChan)
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return err
		}
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				log.Printf("[Network] accept failed: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var lengthBuf [4]byte
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if _, err := io.ReadFull(conn, lengthBuf[:]); err != nil {
			if err != io.EOF {
				log.Printf("[Network] failed to read frame length: %v", err)
			}
			return
		}

		length := binary.BigEndian.Uint32(lengthBuf[:])
		if length > maxFrameSize {
			log.Printf("[Network] oversized frame from %s: %d bytes", conn.RemoteAddr(), length)
			return
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			log.Printf("[Network] failed to read frame body: %v", err)
			return
		}

		if err := s.handler.HandleMessage(data, conn); err != nil {
			log.Printf("[Network] error handling frame: %v", err)
		}
	}
}
