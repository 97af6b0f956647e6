package config

import "testing"

func TestServeFromEnvDefaults(t *testing.T) {
	cfg := ServeFromEnv()
	if cfg.WSAddr != ":8448" {
		t.Errorf("WSAddr = %q", cfg.WSAddr)
	}
	if cfg.QUICAddr != "" {
		t.Errorf("QUICAddr = %q, want disabled", cfg.QUICAddr)
	}
	if cfg.MaxChunkSize != 4096 || cfg.WindowBytes != 32*1024 {
		t.Errorf("sizes = %d/%d", cfg.MaxChunkSize, cfg.WindowBytes)
	}
	if cfg.PoolCapacity != 4 {
		t.Errorf("PoolCapacity = %d", cfg.PoolCapacity)
	}
}

func TestServeFromEnvOverrides(t *testing.T) {
	t.Setenv("CHUNKFLOW_WS_ADDR", ":9000")
	t.Setenv("CHUNKFLOW_QUIC_ADDR", ":9001")
	t.Setenv("CHUNKFLOW_MAX_CHUNK_SIZE", "512")
	t.Setenv("CHUNKFLOW_POOL_CAPACITY", "8")
	t.Setenv("CHUNKFLOW_RESOURCES", "1=a.bin,2=b.bin")

	cfg := ServeFromEnv()
	if cfg.WSAddr != ":9000" || cfg.QUICAddr != ":9001" {
		t.Errorf("addrs = %q/%q", cfg.WSAddr, cfg.QUICAddr)
	}
	if cfg.MaxChunkSize != 512 {
		t.Errorf("MaxChunkSize = %d", cfg.MaxChunkSize)
	}
	if cfg.PoolCapacity != 8 {
		t.Errorf("PoolCapacity = %d", cfg.PoolCapacity)
	}
	if len(cfg.Resources) != 2 || cfg.Resources[0] != "1=a.bin" {
		t.Errorf("Resources = %v", cfg.Resources)
	}
}

func TestServeFromEnvBadValuesKeepDefaults(t *testing.T) {
	t.Setenv("CHUNKFLOW_MAX_CHUNK_SIZE", "not-a-number")
	t.Setenv("CHUNKFLOW_POOL_CAPACITY", "-3")

	cfg := ServeFromEnv()
	if cfg.MaxChunkSize != 4096 {
		t.Errorf("MaxChunkSize = %d", cfg.MaxChunkSize)
	}
	if cfg.PoolCapacity != 4 {
		t.Errorf("PoolCapacity = %d", cfg.PoolCapacity)
	}
}

func TestClientFromEnv(t *testing.T) {
	cfg := ClientFromEnv()
	if cfg.ServerURL != "ws://localhost:8448" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}

	t.Setenv("CHUNKFLOW_SERVER_URL", "quic://host:1234")
	cfg = ClientFromEnv()
	if cfg.ServerURL != "quic://host:1234" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
}

func TestParseResource(t *testing.T) {
	id, path, err := ParseResource("7=data/res.bin")
	if err != nil || id != 7 || path != "data/res.bin" {
		t.Fatalf("ParseResource = %d, %q, %v", id, path, err)
	}
	if _, _, err := ParseResource("7= "); err == nil {
		t.Error("empty path accepted")
	}
	if _, _, err := ParseResource("x=path"); err == nil {
		t.Error("non-numeric id accepted")
	}
	if _, _, err := ParseResource("no-separator"); err == nil {
		t.Error("missing separator accepted")
	}
}
