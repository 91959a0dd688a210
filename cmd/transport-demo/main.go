// transport-demo starts a tiny MessagePack-RPC echo responder on localhost
// and drives it with a client: plain calls, a remote error, a notification,
// pipelined concurrent calls and a timeout.
//
// Run:  go run ./cmd/transport-demo
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tinylib/msgp/msgp"

	msgrpc "github.com/ironfang-ltd/go-msgrpc"
)

func main() {
	msgrpc.InitLogger(slog.LevelInfo)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go serve(ln)
	fmt.Printf("responder listening on %s\n", ln.Addr())

	client := msgrpc.Dial(ln.Addr().String(), msgrpc.WithCallTimeout(2*time.Second))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	ctx := context.Background()

	fmt.Println("\n--- call echo ---")
	res, err := client.Call(ctx, "echo", "hello from the client")
	if err != nil {
		log.Fatalf("echo: %v", err)
	}
	fmt.Printf("echo → %v\n", res)

	fmt.Println("\n--- call add ---")
	res, err = client.Call(ctx, "add", 40, 2)
	if err != nil {
		log.Fatalf("add: %v", err)
	}
	fmt.Printf("add(40, 2) → %v\n", res)

	fmt.Println("\n--- call an unknown method ---")
	_, err = client.Call(ctx, "nope")
	var rpcErr *msgrpc.RPCError
	switch {
	case errors.As(err, &rpcErr) && errors.Is(err, msgrpc.ErrNoMethod):
		fmt.Printf("OK: %s (%s, code %d)\n", rpcErr.Message, rpcErr.Kind.Identifier(), rpcErr.Kind.Code())
	default:
		fmt.Printf("FAIL: expected a no-method error, got %v\n", err)
	}

	fmt.Println("\n--- notify ---")
	if err := client.Notify(ctx, "log", "fire and forget"); err != nil {
		log.Fatalf("notify: %v", err)
	}
	fmt.Println("notification written")

	fmt.Println("\n--- 100 concurrent calls ---")
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := client.Call(ctx, "add", i, 1)
			if err != nil || r != int64(i+1) {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	fmt.Printf("failures: %d\n", failures)

	fmt.Println("\n--- timeout ---")
	_, err = client.CallRaw(ctx, "sleep", func(a *msgrpc.ArgumentsEncoder) error {
		a.AppendDuration(time.Second)
		return nil
	}, msgrpc.WithTimeout(100*time.Millisecond))
	if errors.Is(err, msgrpc.ErrTimeout) {
		fmt.Printf("OK: %v\n", err)
	} else {
		fmt.Printf("FAIL: expected a timeout, got %v\n", err)
	}

	fmt.Println("\n--- metrics ---")
	for k, v := range client.Manager().Metrics().Snapshot() {
		if v != 0 {
			fmt.Printf("  %-20s %d\n", k, v)
		}
	}
	fmt.Println("\nDemo complete.")
}

func serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handle(conn)
	}
}

// handle reads calls off one connection and answers requests in order.
func handle(conn net.Conn) {
	defer conn.Close()
	var (
		buf   []byte
		chunk = make([]byte, 4096)
		out   []byte
	)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		for len(buf) > 0 {
			call, rest, derr := msgrpc.DecodeCall(buf)
			if errors.Is(derr, msgp.ErrShortBytes) {
				break
			}
			if derr != nil {
				log.Printf("responder: %v", derr)
				return
			}
			buf = rest
			if call.Type != msgrpc.MessageTypeRequest {
				continue
			}
			errValue, result := invoke(call)
			out = msgrpc.EncodeResponse(out[:0], call.MessageID, errValue, result)
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("responder read: %v", err)
			}
			return
		}
	}
}

func invoke(call msgrpc.InboundCall) (errValue, result []byte) {
	switch call.Method {
	case "echo":
		if len(call.Params) == 0 {
			return nil, nil
		}
		r, err := msgp.AppendIntf(nil, call.Params[0])
		if err != nil {
			return msgp.AppendString(nil, msgrpc.ErrArgument.Identifier()), msgp.AppendString(nil, err.Error())
		}
		return nil, r
	case "add":
		var sum int64
		for _, p := range call.Params {
			switch v := p.(type) {
			case int64:
				sum += v
			case uint64:
				sum += int64(v)
			default:
				return msgp.AppendString(nil, msgrpc.ErrArgument.Identifier()),
					msgp.AppendString(nil, fmt.Sprintf("add: %T is not an integer", p))
			}
		}
		return nil, msgp.AppendInt64(nil, sum)
	case "sleep":
		if len(call.Params) == 1 {
			if d, ok := call.Params[0].(int64); ok {
				time.Sleep(time.Duration(d))
			}
		}
		return nil, msgp.AppendNil(nil)
	default:
		return msgp.AppendString(nil, msgrpc.ErrNoMethod.Identifier()),
			msgp.AppendString(nil, fmt.Sprintf("method %q is not defined", call.Method))
	}
}
