package whatsapp

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"google.golang.org/protobuf/proto"
)

func TestNewDialerSetsDevicePropsOnce(t *testing.T) {
	t.Setenv("WHATSAPP_CLIENT_PROXY_URL", "")
	NewDialer(nil, nil)
	assert.Equal(t, runtime.GOOS, store.DeviceProps.GetOs())
	assert.Equal(t, waCompanionReg.DeviceProps_CHROME, store.DeviceProps.GetPlatformType())
	assert.False(t, store.DeviceProps.GetRequireFullSync())

	prev := store.DeviceProps.Os
	store.DeviceProps.Os = proto.String("custom")
	defer func() { store.DeviceProps.Os = prev }()

	NewDialer(nil, nil)
	assert.Equal(t, "custom", store.DeviceProps.GetOs(), "later dialers leave the shared props alone")
}
