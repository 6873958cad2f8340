package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type ApiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) ApiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() ApiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (ApiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// ChatApi is the rest client for the snapshot side of reconciliation. The
// realtime side goes through the ConnectionManager.
type ChatApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string

	httpClient *http.Client
}

func NewChatApi(apiUrl string) *ChatApi {
	return NewChatApiWithContext(context.Background(), apiUrl)
}

func NewChatApiWithContext(ctx context.Context, apiUrl string) *ChatApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ChatApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *ChatApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type ChannelMessagesArgs struct {
	ChannelId Id
	Limit     int
}

type ChannelMessagesResult struct {
	Messages []*Message `json:"messages"`
}

func (self *ChatApi) GetChannelMessages(
	args *ChannelMessagesArgs,
	callback ApiCallback[*ChannelMessagesResult],
) {
	go func() {
		result, err := self.getChannelMessages(args)
		callback.Result(result, err)
	}()
}

func (self *ChatApi) getChannelMessages(args *ChannelMessagesArgs) (*ChannelMessagesResult, error) {
	url := fmt.Sprintf("%s/api/channels/%s/messages", self.apiUrl, args.ChannelId)
	if 0 < args.Limit {
		url = fmt.Sprintf("%s?limit=%d", url, args.Limit)
	}

	request, err := http.NewRequestWithContext(self.ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	if self.byJwt != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}

	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch failed: %s", response.Status)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	result := &ChannelMessagesResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (self *ChatApi) Close() {
	self.cancel()
}
