package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

func TestConfigureSecurity(t *testing.T) {
	tests := []struct {
		name          string
		config        SecurityConfig
		wantErr       bool
		wantSASL      bool
		wantTLS       bool
		wantMechanism sarama.SASLMechanism
	}{
		{
			name:   "plaintext",
			config: SecurityConfig{SecurityProtocol: ProtocolPlaintext},
		},
		{
			name:    "ssl",
			config:  SecurityConfig{SecurityProtocol: ProtocolSSL},
			wantTLS: true,
		},
		{
			name: "sasl plain",
			config: SecurityConfig{
				SecurityProtocol: ProtocolSASLPlaintext,
				SASLMechanism:    MechanismPlain,
				SASLUsername:     "user",
				SASLPassword:     "pass",
			},
			wantSASL:      true,
			wantMechanism: sarama.SASLTypePlaintext,
		},
		{
			name: "scram sha-256 over tls",
			config: SecurityConfig{
				SecurityProtocol: ProtocolSASLSSL,
				SASLMechanism:    MechanismSCRAMSHA256,
				SASLUsername:     "user",
				SASLPassword:     "pass",
			},
			wantSASL:      true,
			wantTLS:       true,
			wantMechanism: sarama.SASLTypeSCRAMSHA256,
		},
		{
			name: "scram sha-512",
			config: SecurityConfig{
				SecurityProtocol: ProtocolSASLPlaintext,
				SASLMechanism:    MechanismSCRAMSHA512,
			},
			wantSASL:      true,
			wantMechanism: sarama.SASLTypeSCRAMSHA512,
		},
		{
			name: "msk iam",
			config: SecurityConfig{
				SecurityProtocol: ProtocolSASLSSL,
				SASLMechanism:    MechanismAWSMSKIAM,
				AWSRegion:        "us-east-1",
			},
			wantSASL:      true,
			wantTLS:       true,
			wantMechanism: sarama.SASLTypeOAuth,
		},
		{
			name:    "unknown protocol",
			config:  SecurityConfig{SecurityProtocol: "KERBEROS"},
			wantErr: true,
		},
		{
			name:    "unknown mechanism",
			config:  SecurityConfig{SecurityProtocol: ProtocolSASLSSL, SASLMechanism: "GSSAPI"},
			wantErr: true,
		},
		{
			name: "missing ca file",
			config: SecurityConfig{
				SecurityProtocol: ProtocolSSL,
				TLS:              TLSConfig{CACertFile: "/nonexistent/ca.pem"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sarama.NewConfig()
			err := configureSecurity(cfg, tt.config, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("configureSecurity() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Net.SASL.Enable != tt.wantSASL {
				t.Errorf("SASL enabled = %v, want %v", cfg.Net.SASL.Enable, tt.wantSASL)
			}
			if cfg.Net.TLS.Enable != tt.wantTLS {
				t.Errorf("TLS enabled = %v, want %v", cfg.Net.TLS.Enable, tt.wantTLS)
			}
			if tt.wantSASL && cfg.Net.SASL.Mechanism != tt.wantMechanism {
				t.Errorf("mechanism = %v, want %v", cfg.Net.SASL.Mechanism, tt.wantMechanism)
			}
		})
	}
}

func TestFranzSecurityOpts(t *testing.T) {
	tests := []struct {
		name     string
		config   SecurityConfig
		wantOpts int
		wantErr  bool
	}{
		{name: "plaintext", config: SecurityConfig{SecurityProtocol: ProtocolPlaintext}, wantOpts: 0},
		{name: "ssl", config: SecurityConfig{SecurityProtocol: ProtocolSSL}, wantOpts: 1},
		{
			name:     "sasl plain",
			config:   SecurityConfig{SecurityProtocol: ProtocolSASLPlaintext, SASLMechanism: MechanismPlain},
			wantOpts: 1,
		},
		{
			name:     "scram over tls",
			config:   SecurityConfig{SecurityProtocol: ProtocolSASLSSL, SASLMechanism: MechanismSCRAMSHA512},
			wantOpts: 2,
		},
		{
			name:     "msk iam",
			config:   SecurityConfig{SecurityProtocol: ProtocolSASLSSL, SASLMechanism: MechanismAWSMSKIAM},
			wantOpts: 2,
		},
		{name: "invalid", config: SecurityConfig{SecurityProtocol: "NONE"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := franzSecurityOpts(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("franzSecurityOpts() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(opts) != tt.wantOpts {
				t.Errorf("franzSecurityOpts() returned %d options, want %d", len(opts), tt.wantOpts)
			}
		})
	}
}

func TestXDGSCRAMClient_Begin(t *testing.T) {
	tests := []struct {
		name    string
		hashGen func() *XDGSCRAMClient
	}{
		{name: "SCRAM-SHA-256", hashGen: func() *XDGSCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }},
		{name: "SCRAM-SHA-512", hashGen: func() *XDGSCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := tt.hashGen()
			if err := client.Begin("testuser", "testpass", ""); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			if client.Done() {
				t.Error("Done() = true before any step")
			}
			first, err := client.Step("")
			if err != nil {
				t.Fatalf("Step() error = %v", err)
			}
			if first == "" {
				t.Error("client-first message is empty")
			}
		})
	}
}

func TestSCRAMHashGenerators(t *testing.T) {
	if got := SHA256().Size(); got != 32 {
		t.Errorf("SHA256 size = %d, want 32", got)
	}
	if got := SHA512().Size(); got != 64 {
		t.Errorf("SHA512 size = %d, want 64", got)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]sarama.CompressionCodec{
		"gzip":   sarama.CompressionGZIP,
		"snappy": sarama.CompressionSnappy,
		"lz4":    sarama.CompressionLZ4,
		"zstd":   sarama.CompressionZSTD,
		"":       sarama.CompressionNone,
		"brotli": sarama.CompressionNone,
	}
	for in, want := range tests {
		if got := parseCompressionType(in); got != want {
			t.Errorf("parseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOffsetInitial(t *testing.T) {
	if got := offsetInitial("latest"); got != sarama.OffsetNewest {
		t.Errorf("offsetInitial(latest) = %d, want OffsetNewest", got)
	}
	if got := offsetInitial("earliest"); got != sarama.OffsetOldest {
		t.Errorf("offsetInitial(earliest) = %d, want OffsetOldest", got)
	}
}
