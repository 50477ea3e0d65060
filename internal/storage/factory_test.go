package storage

import (
	"fmt"
	"net"
	"testing"

	"quota-gateway/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageFactory_CreateStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	tests := []struct {
		name         string
		config       *StorageConfig
		expectError  bool
		expectedType string
	}{
		{
			name: "Should create Redis storage successfully",
			config: &StorageConfig{
				Type:        RedisStorageType,
				RedisConfig: &RedisConfig{Host: host, Port: port},
			},
			expectedType: "*storage.RedisStorage",
		},
		{
			name:         "Should create Memory storage successfully",
			config:       &StorageConfig{Type: MemoryStorageType, MemoryShards: 8},
			expectedType: "*storage.MemoryStorage",
		},
		{
			name:         "Should accept storage type in any case",
			config:       &StorageConfig{Type: StorageType("MEMORY")},
			expectedType: "*storage.MemoryStorage",
		},
		{
			name:        "Should return error for nil config",
			config:      nil,
			expectError: true,
		},
		{
			name:        "Should return error for unsupported type",
			config:      &StorageConfig{Type: StorageType("unsupported")},
			expectError: true,
		},
		{
			name:        "Should return error for Redis with nil config",
			config:      &StorageConfig{Type: RedisStorageType},
			expectError: true,
		},
		{
			name: "Should return error for Redis with empty host",
			config: &StorageConfig{
				Type:        RedisStorageType,
				RedisConfig: &RedisConfig{Host: "", Port: "6379"},
			},
			expectError: true,
		},
		{
			name: "Should return error for Redis with invalid database",
			config: &StorageConfig{
				Type:        RedisStorageType,
				RedisConfig: &RedisConfig{Host: "localhost", Port: "6379", Database: 16},
			},
			expectError: true,
		},
		{
			name:        "Should return error for negative shard count",
			config:      &StorageConfig{Type: MemoryStorageType, MemoryShards: -1},
			expectError: true,
		},
	}

	factory := NewStorageFactory()
	testLogger := logger.NewLogger("error", "json")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := factory.CreateStorage(tt.config, testLogger)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, storage)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, storage)
			assert.Equal(t, tt.expectedType, fmt.Sprintf("%T", storage))
			assert.NoError(t, storage.Close())
		})
	}
}

func TestStorageFactory_GetSupportedTypes(t *testing.T) {
	types := NewStorageFactory().GetSupportedTypes()

	assert.ElementsMatch(t, []StorageType{RedisStorageType, MemoryStorageType}, types)
}

func TestBuildStorageConfigFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		storageType string
		expectRedis bool
	}{
		{name: "Redis config", storageType: "Redis", expectRedis: true},
		{name: "Memory config", storageType: "memory", expectRedis: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := BuildStorageConfigFromEnv(tt.storageType, "redis.local", "6380", "secret", 2, 16)

			assert.Equal(t, 16, config.MemoryShards)
			if !tt.expectRedis {
				assert.Equal(t, MemoryStorageType, config.Type)
				assert.Nil(t, config.RedisConfig)
				return
			}

			assert.Equal(t, RedisStorageType, config.Type)
			require.NotNil(t, config.RedisConfig)
			assert.Equal(t, "redis.local", config.RedisConfig.Host)
			assert.Equal(t, "6380", config.RedisConfig.Port)
			assert.Equal(t, "secret", config.RedisConfig.Password)
			assert.Equal(t, 2, config.RedisConfig.Database)
		})
	}
}
