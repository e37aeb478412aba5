package repopool

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestConfig_ValidateAndApplyDefaults(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		want    Config
		wantErr bool
	}{
		{
			name:   "defaults",
			config: Config{},
			want:   Config{SyncTimeout: 10 * time.Minute, MaxConcurrentSyncs: 4},
		},
		{
			name:   "values_kept",
			config: Config{SyncTimeout: time.Minute, MaxConcurrentSyncs: 1},
			want:   Config{SyncTimeout: time.Minute, MaxConcurrentSyncs: 1},
		},
		{
			name:    "short_timeout",
			config:  Config{SyncTimeout: time.Second},
			wantErr: true,
		},
		{
			name:    "negative_concurrency",
			config:  Config{MaxConcurrentSyncs: -1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.ValidateAndApplyDefaults()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateAndApplyDefaults() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, tt.config); diff != "" {
				t.Errorf("ValidateAndApplyDefaults() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
