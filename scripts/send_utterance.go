package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/reassembly"
	"github.com/harunnryd/voxrelay/pkg/transmit"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

// wsChannel sends relay messages over a client websocket connection.
type wsChannel struct {
	conn *websocket.Conn
}

func (c wsChannel) ID() string { return "client" }

func (c wsChannel) Send(msg transports.Message) error {
	mt := websocket.BinaryMessage
	if msg.Text {
		mt = websocket.TextMessage
	}
	return c.conn.WriteMessage(mt, msg.Data)
}

func (c wsChannel) Close() error { return c.conn.Close() }

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay websocket url")
	in := flag.String("in", "", "audio file holding one utterance")
	out := flag.String("out", "reply.audio", "where to write the reassembled reply")
	chunked := flag.Bool("chunked", false, "upload the utterance as a chunked transmission instead of one message")
	chunkSize := flag.Int("chunk_size", chunking.DefaultChunkSize, "upload chunk size when -chunked is set")
	encoding := flag.String("header_encoding", chunking.HeaderJSON, "header encoding the relay is configured with")
	timeout := flag.Duration("timeout", 2*time.Minute, "how long to wait for the reply")
	flag.Parse()
	if *in == "" {
		fmt.Println("usage: send_utterance -in=utterance.webm [-url=ws://host:8080/ws] [-out=reply.audio] [-chunked]")
		os.Exit(1)
	}

	audio, err := os.ReadFile(*in)
	if err != nil {
		fmt.Println("read error:", err)
		os.Exit(1)
	}
	headers, err := chunking.NewHeaderCodec(*encoding)
	if err != nil {
		fmt.Println("encoding error:", err)
		os.Exit(1)
	}
	codec := chunking.NewCodec(headers)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	ch := wsChannel{conn: conn}
	defer ch.Close()

	started := time.Now()
	if *chunked {
		tx := transmit.New(transmit.Config{ChunkSize: *chunkSize}, codec, nil, nil)
		if res := tx.Transmit(ctx, ch, audio); res.Err != nil {
			fmt.Println("upload error:", res.Err)
			os.Exit(1)
		}
	} else if err := ch.Send(transports.Message{Data: audio}); err != nil {
		fmt.Println("send error:", err)
		os.Exit(1)
	}
	fmt.Printf("sent %d bytes\n", len(audio))

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	r := reassembly.New(reassembly.Config{}, codec)
	defer r.Release()
	received := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			fmt.Println("read error:", err)
			os.Exit(1)
		}
		received++
		f, err := codec.Unmarshal(raw)
		if err != nil {
			fmt.Println("decode error:", err)
			os.Exit(1)
		}
		if ab, ok := f.(frames.AbortFrame); ok {
			fmt.Println("relay aborted the reply:", ab.String())
			os.Exit(1)
		}
		reply, done, err := r.Feed(f)
		if err != nil {
			fmt.Println("reassembly error:", err)
			os.Exit(1)
		}
		if !done {
			continue
		}
		if err := os.WriteFile(*out, reply, 0o644); err != nil {
			fmt.Println("write error:", err)
			os.Exit(1)
		}
		fmt.Printf("reply: %d bytes in %d frames after %s -> %s\n", len(reply), received, time.Since(started).Round(time.Millisecond), *out)
		return
	}
}
