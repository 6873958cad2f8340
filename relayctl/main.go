package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/relaychat/relay/relay"
)

const Version = "0.1.0"

func main() {
	usage := `Relay terminal client.

Usage:
    relayctl join --url=<url> --channel=<channel> --jwt=<jwt> [-v...]
    relayctl token --name=<name> [--role=<role>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Server base url, e.g. http://localhost:8080
    --channel=<channel>  Channel id to join.
    --jwt=<jwt>          Session token.
    --name=<name>        Display name for the minted token.
    --role=<role>        Role claim [default: member].
    -v                   Increase log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	verboseCount, _ := opts.Int("-v")
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", verboseCount))
	flag.Parse()

	if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

// token mints a development jwt signed with the server's secret.
func token(opts docopt.Opts) {
	name := opts["--name"].(string)
	role := relay.RoleMember
	if roleAny := opts["--role"]; roleAny != nil {
		role = relay.Role(roleAny.(string))
	}

	fmt.Print("Enter jwt secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")

	userAuth := &relay.UserAuth{
		UserId:      relay.NewId(),
		DisplayName: name,
		Role:        role,
	}
	byJwt, err := relay.SignUserAuth(userAuth, secretBytes)
	if err != nil {
		panic(err)
	}
	fmt.Printf("user_id: %s\n", userAuth.UserId)
	fmt.Printf("%s\n", byJwt)
}

func join(opts docopt.Opts) {
	apiUrl := strings.TrimSuffix(opts["--url"].(string), "/")
	byJwt := opts["--jwt"].(string)

	channelId, err := relay.ParseId(opts["--channel"].(string))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad channel id: %s\n", err)
		os.Exit(1)
	}

	userAuth, err := relay.ParseUserAuthUnverified(byJwt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad jwt: %s\n", err)
		os.Exit(1)
	}

	wsUrl := strings.Replace(apiUrl, "http", "ws", 1) + "/ws"

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := relay.NewChatApiWithContext(cancelCtx, apiUrl)
	api.SetByJwt(byJwt)

	manager := relay.NewConnectionManagerWithDefaults(cancelCtx, wsUrl, byJwt)

	// re-render the channel view on every live event
	var viewLock sync.Mutex
	var snapshot []*relay.Message
	scope := relay.ChannelScope(channelId)
	render := func() {
		viewLock.Lock()
		defer viewLock.Unlock()
		view := relay.ReconcileView(snapshot, manager.ChannelEvents(channelId), scope)
		fmt.Print("\033[2J\033[H")
		for _, message := range view {
			marker := ""
			if message.Temporary {
				marker = " (sending...)"
			}
			fmt.Printf("%s %s: %s%s\n", message.CreateTime.Local().Format("15:04"), message.AuthorName, message.Content, marker)
		}
		fmt.Print("> ")
	}

	manager.AddReceiveCallback(func(event relay.ServerEvent) {
		switch event := event.(type) {
		case *relay.ErrorEvent:
			fmt.Fprintf(os.Stderr, "\nserver error: %s\n", event.Message)
		case *relay.MessageEvent, *relay.MessageDeletedEvent, *relay.MessageEditedEvent:
			render()
		}
	})
	manager.AddStateChangeCallback(func(state relay.ConnectionState) {
		if state == relay.ConnectionStateFailed {
			fmt.Fprintf(os.Stderr, "\nconnection lost, please restart\n")
			cancel()
		}
	})

	manager.Connect()
	manager.Subscribe(channelId)

	// snapshot fetch races the live stream; the reconciler merge makes the
	// arrival order irrelevant
	snapshotCallback, snapshotChannel := relay.NewBlockingApiCallback[*relay.ChannelMessagesResult]()
	api.GetChannelMessages(&relay.ChannelMessagesArgs{ChannelId: channelId}, snapshotCallback)
	go func() {
		result := <-snapshotChannel
		if result.Error != nil {
			fmt.Fprintf(os.Stderr, "history fetch error: %s\n", result.Error)
			return
		}
		viewLock.Lock()
		snapshot = result.Result.Messages
		viewLock.Unlock()
		render()
	}()

	fmt.Printf("joined %s as %s\n> ", channelId, userAuth.DisplayName)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				fmt.Print("> ")
				continue
			}
			if line == "/quit" {
				cancel()
				return
			}
			manager.Send(relay.NewSendMessageEvent(channelId, line))
		}
		cancel()
	}()

	<-cancelCtx.Done()

	manager.Unsubscribe(channelId)
	manager.Close()
	api.Close()
	// give the unsubscribe a moment on a live transport
	time.Sleep(100 * time.Millisecond)
}
