package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/sightline/sightline/internal/gateway/protocol"
)

var (
	chatURL      string
	chatToken    string
	chatModel    string
	chatProvider string
	chatStream   bool
	chatImages   []string
	chatTimeout  time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a chat to a running gateway and print the answer",
	Example: `  sightline chat "what is a goroutine?"
  sightline chat --model gpt-4o --image shot.png "what is on this screen?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "", "Gateway websocket URL (default ws://127.0.0.1:<port>/ws)")
	chatCmd.Flags().StringVar(&chatToken, "token", "", "Dashboard token (default from config)")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model id")
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "", "Provider")
	chatCmd.Flags().BoolVar(&chatStream, "stream", true, "Stream the answer as it is generated")
	chatCmd.Flags().StringSliceVarP(&chatImages, "image", "i", nil, "Image file to attach (repeatable)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 3*time.Minute, "Give up after this long")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	target := chatURL
	if target == "" {
		target = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Gateway.Port)
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid --url: %w", err)
	}
	token := chatToken
	if token == "" {
		token = cfg.Gateway.Auth.Token
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	images := make([]string, 0, len(chatImages))
	for _, path := range chatImages {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %w (HTTP %d)", target, err, resp.StatusCode)
		}
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	requestID := uuid.NewString()
	payload, err := json.Marshal(protocol.ChatMessage{
		Prompt:         strings.Join(args, " "),
		RequestID:      requestID,
		UseStreaming:   protocol.Flag(chatStream),
		ModelID:        chatModel,
		Provider:       chatProvider,
		ImageDataArray: images,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(protocol.ClientFrame{Type: protocol.ClientChatMessage, Data: payload}); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}

	err = consumeChat(conn, requestID, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("no answer within %s", chatTimeout)
		}
		return ctx.Err()
	}
	return err
}

type frameReader interface {
	ReadJSON(v any) error
}

type serverFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// consumeChat prints the events of one chat until it ends. Frames for other
// requests are skipped.
func consumeChat(r frameReader, requestID string, out, status io.Writer) error {
	streamed := false
	for {
		var f serverFrame
		if err := r.ReadJSON(&f); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var ref struct {
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(f.Data, &ref)

		switch f.Event {
		case protocol.EventChatProcessing:
			if ref.RequestID != requestID {
				continue
			}
			var p protocol.ChatProcessing
			_ = json.Unmarshal(f.Data, &p)
			fmt.Fprintln(status, styleMuted.Render(fmt.Sprintf("%s/%s", p.Provider, p.ModelID)))

		case protocol.EventChatStreamChunk:
			if ref.RequestID != requestID {
				continue
			}
			var c protocol.ChatStreamChunk
			_ = json.Unmarshal(f.Data, &c)
			fmt.Fprint(out, c.Chunk)
			streamed = true

		case protocol.EventChatStreamEnd:
			if ref.RequestID != requestID {
				continue
			}
			if !streamed {
				var e protocol.ChatStreamEnd
				_ = json.Unmarshal(f.Data, &e)
				fmt.Fprint(out, e.FullMessage)
			}
			fmt.Fprintln(out)
			return nil

		case protocol.EventChatResponse:
			if ref.RequestID != requestID {
				continue
			}
			var c protocol.ChatResponse
			_ = json.Unmarshal(f.Data, &c)
			fmt.Fprintln(out, c.Message)
			return nil

		case protocol.EventTaskError:
			if ref.RequestID != requestID {
				continue
			}
			var e protocol.TaskError
			_ = json.Unmarshal(f.Data, &e)
			if streamed {
				fmt.Fprintln(out)
			}
			return fmt.Errorf("%s: %s", e.Kind, e.Error)

		case protocol.EventError:
			var e protocol.ErrorPayload
			_ = json.Unmarshal(f.Data, &e)
			return errors.New(e.Message)
		}
	}
}
