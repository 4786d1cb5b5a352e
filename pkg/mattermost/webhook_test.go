package mattermost_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/user/release-sessions/pkg/mattermost"
	"github.com/user/release-sessions/pkg/mattermost/mocks"
)

func TestWebhook_Post_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHTTP := mocks.NewMockHTTPDoer(ctrl)
	mockHTTP.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "https://mattermost.example.com/hooks/xxx", req.URL.String())
			require.Equal(t, "application/json", req.Header.Get("Content-Type"))

			var payload map[string]string
			require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			require.Equal(t, map[string]string{"text": "Session ready"}, payload)

			return &http.Response{
				StatusCode: 200,
				Body:       io.NopCloser(strings.NewReader("ok")),
			}, nil
		})

	webhook := mattermost.NewWebhookWithHTTP("https://mattermost.example.com/hooks/xxx", mockHTTP)
	err := webhook.Post(context.Background(), "Session ready")

	require.NoError(t, err)
}

func TestWebhook_Post_WithOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHTTP := mocks.NewMockHTTPDoer(ctrl)
	mockHTTP.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			var payload map[string]string
			require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			require.Equal(t, "release-bot", payload["username"])
			require.Equal(t, "releases", payload["channel"])

			return &http.Response{
				StatusCode: 200,
				Body:       io.NopCloser(strings.NewReader("ok")),
			}, nil
		})

	webhook := mattermost.NewWebhookWithHTTP("https://mattermost.example.com/hooks/xxx", mockHTTP,
		mattermost.WithUsername("release-bot"),
		mattermost.WithChannel("releases"),
	)

	require.NoError(t, webhook.Post(context.Background(), "hello"))
}

func TestWebhook_Post_Error(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHTTP := mocks.NewMockHTTPDoer(ctrl)
	mockHTTP.EXPECT().
		Do(gomock.Any()).
		Return(&http.Response{
			StatusCode: 500,
			Body:       io.NopCloser(strings.NewReader("internal error")),
		}, nil)

	webhook := mattermost.NewWebhookWithHTTP("https://mattermost.example.com/hooks/xxx", mockHTTP)
	err := webhook.Post(context.Background(), "Test message")

	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestWebhook_Post_TransportError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHTTP := mocks.NewMockHTTPDoer(ctrl)
	mockHTTP.EXPECT().
		Do(gomock.Any()).
		Return(nil, errors.New("connection refused"))

	webhook := mattermost.NewWebhookWithHTTP("https://mattermost.example.com/hooks/xxx", mockHTTP)
	err := webhook.Post(context.Background(), "Test message")

	require.ErrorContains(t, err, "connection refused")
}
