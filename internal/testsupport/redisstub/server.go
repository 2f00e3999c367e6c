// Package redisstub runs a minimal in-process RESP server so Redis-backed
// code can be tested without a live instance. It speaks enough of the
// protocol for go-redis: string, hash, set, and list commands plus
// MULTI/EXEC transactions and expiries.
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	values   map[string]string
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	lists    map[string][]string
	expiries map[string]time.Time
	closed   chan struct{}
}

type simpleString string

type respError string

type nilReply struct{}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		values:   make(map[string]string),
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		lists:    make(map[string][]string),
		expiries: make(map[string]time.Time),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	var queued [][]string
	inMulti := false
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			writeReply(writer, respError("ERR wrong number of arguments"))
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			writeReply(writer, simpleString("PONG"))
			continue
		case "AUTH":
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				writeReply(writer, simpleString("OK"))
			} else {
				writeReply(writer, respError("WRONGPASS invalid username-password pair"))
			}
			continue
		case "SELECT":
			writeReply(writer, simpleString("OK"))
			continue
		}
		if !authenticated {
			writeReply(writer, respError("NOAUTH Authentication required."))
			continue
		}
		switch cmd {
		case "MULTI":
			inMulti = true
			queued = queued[:0]
			writeReply(writer, simpleString("OK"))
		case "EXEC":
			if !inMulti {
				writeReply(writer, respError("ERR EXEC without MULTI"))
				continue
			}
			inMulti = false
			replies := make([]interface{}, 0, len(queued))
			for _, queuedArgs := range queued {
				replies = append(replies, s.execute(queuedArgs))
			}
			queued = nil
			writeReply(writer, replies)
		case "DISCARD":
			inMulti = false
			queued = nil
			writeReply(writer, simpleString("OK"))
		default:
			if inMulti {
				queued = append(queued, args)
				writeReply(writer, simpleString("QUEUED"))
				continue
			}
			writeReply(writer, s.execute(args))
		}
	}
}

func (s *Server) execute(args []string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "GET":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'get'")
		}
		s.expireLocked(args[1])
		value, ok := s.values[args[1]]
		if !ok {
			return nilReply{}
		}
		return value
	case "SET":
		if len(args) < 3 {
			return respError("ERR wrong number of arguments for 'set'")
		}
		key, value := args[1], args[2]
		nx := false
		for i := 3; i < len(args); i++ {
			switch strings.ToUpper(args[i]) {
			case "NX":
				nx = true
			case "EX", "PX":
				i++
			}
		}
		s.expireLocked(key)
		if nx {
			if _, exists := s.values[key]; exists {
				return nilReply{}
			}
		}
		s.values[key] = value
		return simpleString("OK")
	case "SETNX":
		if len(args) != 3 {
			return respError("ERR wrong number of arguments for 'setnx'")
		}
		key, value := args[1], args[2]
		s.expireLocked(key)
		if _, exists := s.values[key]; exists {
			return int64(0)
		}
		s.values[key] = value
		return int64(1)
	case "DEL":
		count := int64(0)
		for _, key := range args[1:] {
			if s.deleteLocked(key) {
				count++
			}
		}
		return count
	case "EXISTS":
		count := int64(0)
		for _, key := range args[1:] {
			s.expireLocked(key)
			if s.existsLocked(key) {
				count++
			}
		}
		return count
	case "MGET":
		replies := make([]interface{}, 0, len(args)-1)
		for _, key := range args[1:] {
			s.expireLocked(key)
			if value, ok := s.values[key]; ok {
				replies = append(replies, value)
			} else {
				replies = append(replies, nilReply{})
			}
		}
		return replies
	case "INCR":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'incr'")
		}
		s.expireLocked(args[1])
		current, _ := strconv.ParseInt(s.values[args[1]], 10, 64)
		current++
		s.values[args[1]] = strconv.FormatInt(current, 10)
		return current
	case "EXPIRE":
		if len(args) != 3 {
			return respError("ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return respError("ERR invalid expire time")
		}
		if !s.existsLocked(args[1]) {
			return int64(0)
		}
		s.expiries[args[1]] = time.Now().Add(time.Duration(seconds) * time.Second)
		return int64(1)
	case "TTL":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'ttl'")
		}
		s.expireLocked(args[1])
		if !s.existsLocked(args[1]) {
			return int64(-2)
		}
		expiry, ok := s.expiries[args[1]]
		if !ok {
			return int64(-1)
		}
		remaining := time.Until(expiry)
		if remaining < time.Second {
			return int64(1)
		}
		return int64(remaining / time.Second)
	case "LPUSH":
		if len(args) < 3 {
			return respError("ERR wrong number of arguments for 'lpush'")
		}
		list := s.lists[args[1]]
		for _, value := range args[2:] {
			list = append([]string{value}, list...)
		}
		s.lists[args[1]] = list
		return int64(len(list))
	case "LRANGE":
		if len(args) != 4 {
			return respError("ERR wrong number of arguments for 'lrange'")
		}
		list := s.lists[args[1]]
		start, stop := parseRange(args[2], args[3], len(list))
		replies := make([]interface{}, 0)
		for i := start; i <= stop && i < len(list); i++ {
			if i < 0 {
				continue
			}
			replies = append(replies, list[i])
		}
		return replies
	case "LREM":
		if len(args) != 4 {
			return respError("ERR wrong number of arguments for 'lrem'")
		}
		target := args[3]
		list := s.lists[args[1]]
		kept := list[:0]
		removed := int64(0)
		for _, value := range list {
			if value == target {
				removed++
				continue
			}
			kept = append(kept, value)
		}
		s.lists[args[1]] = kept
		return removed
	case "SADD":
		if len(args) < 3 {
			return respError("ERR wrong number of arguments for 'sadd'")
		}
		set := s.sets[args[1]]
		if set == nil {
			set = make(map[string]struct{})
			s.sets[args[1]] = set
		}
		added := int64(0)
		for _, member := range args[2:] {
			if _, exists := set[member]; !exists {
				set[member] = struct{}{}
				added++
			}
		}
		return added
	case "SMEMBERS":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'smembers'")
		}
		replies := make([]interface{}, 0, len(s.sets[args[1]]))
		for member := range s.sets[args[1]] {
			replies = append(replies, member)
		}
		return replies
	case "SCARD":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'scard'")
		}
		return int64(len(s.sets[args[1]]))
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return respError("ERR wrong number of arguments for 'hset'")
		}
		hash := s.hashes[args[1]]
		if hash == nil {
			hash = make(map[string]string)
			s.hashes[args[1]] = hash
		}
		added := int64(0)
		for i := 2; i+1 < len(args); i += 2 {
			if _, exists := hash[args[i]]; !exists {
				added++
			}
			hash[args[i]] = args[i+1]
		}
		return added
	case "HGET":
		if len(args) != 3 {
			return respError("ERR wrong number of arguments for 'hget'")
		}
		value, ok := s.hashes[args[1]][args[2]]
		if !ok {
			return nilReply{}
		}
		return value
	case "HGETALL":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'hgetall'")
		}
		hash := s.hashes[args[1]]
		replies := make([]interface{}, 0, len(hash)*2)
		for field, value := range hash {
			replies = append(replies, field, value)
		}
		return replies
	case "HINCRBY":
		if len(args) != 4 {
			return respError("ERR wrong number of arguments for 'hincrby'")
		}
		delta, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return respError("ERR value is not an integer or out of range")
		}
		hash := s.hashes[args[1]]
		if hash == nil {
			hash = make(map[string]string)
			s.hashes[args[1]] = hash
		}
		current, _ := strconv.ParseInt(hash[args[2]], 10, 64)
		current += delta
		hash[args[2]] = strconv.FormatInt(current, 10)
		return current
	default:
		return respError("ERR unsupported command '" + cmd + "'")
	}
}

func (s *Server) existsLocked(key string) bool {
	if _, ok := s.values[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.sets[key]; ok {
		return true
	}
	if _, ok := s.lists[key]; ok {
		return true
	}
	return false
}

func (s *Server) expireLocked(key string) {
	expiry, ok := s.expiries[key]
	if !ok || time.Now().Before(expiry) {
		return
	}
	s.deleteLocked(key)
}

func (s *Server) deleteLocked(key string) bool {
	existed := s.existsLocked(key)
	delete(s.values, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.lists, key)
	delete(s.expiries, key)
	return existed
}

func parseRange(startArg, stopArg string, length int) (int, int) {
	start, _ := strconv.Atoi(startArg)
	stop, _ := strconv.Atoi(stopArg)
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	return start, stop
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	for read := 0; read < len(buf); {
		n, err := r.Read(buf[read:])
		if err != nil {
			return "", err
		}
		read += n
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, value interface{}) {
	writeReplyRaw(w, value)
	_ = w.Flush()
}

func writeReplyRaw(w *bufio.Writer, value interface{}) {
	switch v := value.(type) {
	case simpleString:
		fmt.Fprintf(w, "+%s\r\n", string(v))
	case respError:
		fmt.Fprintf(w, "-%s\r\n", string(v))
	case nilReply:
		w.WriteString("$-1\r\n")
	case string:
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case int64:
		fmt.Fprintf(w, ":%d\r\n", v)
	case []interface{}:
		fmt.Fprintf(w, "*%d\r\n", len(v))
		for _, item := range v {
			writeReplyRaw(w, item)
		}
	default:
		s := fmt.Sprint(v)
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
	}
}
