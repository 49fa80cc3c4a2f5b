/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  See the <https://www.gnu.org/licenses/>.
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/https-dns/pkg/dnsutils"
	"github.com/pmkol/https-dns/pkg/pool"
)

// udpReadBufSize is the size of the receive buffer. Longer datagrams are
// truncated and will most likely fail to unpack.
const udpReadBufSize = 4096

// ServeUDP reads queries from c and answers each of them in its own
// goroutine. Read errors and malformed datagrams are logged and skipped.
// ServeUDP always closes c and returns ErrServerClosed after Close.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	handler := s.opts.Handler
	if handler == nil {
		return errMissingHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(c, false)

	listenerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readBuf := pool.GetBuf(udpReadBufSize)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	for {
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("unexpected read err: %w", err)
			}
			s.opts.Logger.Warn("read err", zap.Error(err))
			continue
		}
		s.datagramTotal.Inc()

		q := new(dns.Msg)
		if err := q.Unpack(rb[:n]); err != nil {
			s.malformedTotal.Inc()
			s.opts.Logger.Warn("invalid msg", zap.Error(err), zap.Binary("msg", rb[:n]), zap.Stringer("from", remoteAddr))
			continue
		}

		if s.sem != nil {
			if err := s.sem.Acquire(listenerCtx, 1); err != nil {
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			s.handleUDP(listenerCtx, c, q, remoteAddr)
		}()
	}
}

func (s *Server) handleUDP(ctx context.Context, c net.PacketConn, q *dns.Msg, remoteAddr net.Addr) {
	lg := s.opts.Logger
	for _, question := range q.Question {
		lg.Debug("query", zap.Uint16("id", q.Id), zap.String("question", dnsutils.QuestionString(question)), zap.Stringer("from", remoteAddr))
	}

	r, err := s.opts.Handler.Process(ctx, q)
	if err != nil {
		s.handlerErrTotal.Inc()
		lg.Warn("handler err", zap.Uint16("id", q.Id), zap.Stringer("from", remoteAddr), zap.Error(err))
		return
	}
	if lg.Core().Enabled(zap.DebugLevel) {
		for _, rr := range r.Answer {
			lg.Debug("answer", zap.Uint16("id", q.Id), zap.Stringer("rr", rr))
		}
	}

	r.Id = q.Id
	r.Truncate(getUDPSize(q))
	b, buf, err := pool.PackBuffer(r)
	if err != nil {
		lg.Error("failed to pack handler's response", zap.Error(err), zap.Stringer("msg", r))
		return
	}
	defer buf.Release()

	if _, err := c.WriteTo(b, remoteAddr); err != nil {
		lg.Warn("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
		return
	}
	s.replyTotal.Inc()
}

func getUDPSize(m *dns.Msg) int {
	var s uint16
	if opt := m.IsEdns0(); opt != nil {
		s = opt.UDPSize()
	}
	if s < dns.MinMsgSize {
		s = dns.MinMsgSize
	}
	return int(s)
}
