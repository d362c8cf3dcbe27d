package server

import (
	"context"

	"mini-ipc/connection"
	"mini-ipc/message"
)

// peer is one physical connection. Before its Hello it has no session.
type peer struct {
	srv   *Server
	conn  *connection.Connection
	ready chan struct{} // closed once conn is set
	sess  *session      // only touched from the connection's read loop
}

func (p *peer) HandleMessage(c *connection.Connection, msg *message.Message) {
	<-p.ready
	if p.sess == nil {
		if msg.Kind != message.KindHello || len(msg.Payload) == 0 {
			p.srv.logger.Warn("closing connection without handshake", "remote", c.RemoteAddr(), "kind", msg.Kind)
			c.Close()
			return
		}
		if p.sess = p.srv.attach(p, string(msg.Payload)); p.sess == nil {
			c.Close()
		}
		return
	}

	sess := p.sess
	switch msg.Kind {
	case message.KindCallRequest:
		sess.call(p, msg)
	case message.KindCallCancel:
		sess.cancelCall(msg.RequestID)
	case message.KindListenRequest:
		sess.listen(p, msg)
	case message.KindListenDispose:
		sess.disposeListen(msg.RequestID)
	case message.KindGoodbye:
		p.srv.dispose(sess, "goodbye", nil)
		c.Close()
	default:
		p.srv.logger.Warn("ignoring unexpected message", "client_id", sess.id, "msg", msg.String())
	}
}

func (p *peer) HandleClose(c *connection.Connection, err error) {
	<-p.ready
	p.srv.mu.Lock()
	delete(p.srv.peers, p)
	p.srv.mu.Unlock()
	if p.sess != nil {
		p.sess.detach(p, err)
	}
}

// send writes msg. A failed write closes the connection, which is reported
// through HandleClose, so the error is only logged.
func (p *peer) send(msg *message.Message) {
	if err := p.conn.Send(context.Background(), msg); err != nil {
		p.srv.logger.Debug("send failed", "remote", p.conn.RemoteAddr(), "msg", msg.String(), "err", err)
	}
}

func (p *peer) close() {
	<-p.ready
	p.conn.Close()
}
