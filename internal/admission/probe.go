package admission

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// HostProbe — Probe на основе gopsutil.
type HostProbe struct{}

// NewHostProbe создаёт probe показателей локального хоста.
func NewHostProbe() *HostProbe { return &HostProbe{} }

// DiskFree возвращает место, доступное непривилегированному процессу.
func (p *HostProbe) DiskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации о диске %s: %w", path, err)
	}
	return usage.Free, nil
}

// MemoryUsedPercent возвращает процент занятой памяти.
func (p *HostProbe) MemoryUsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации о памяти: %w", err)
	}
	return vm.UsedPercent, nil
}

// NetErrors возвращает суммарные Errin+Errout по всем интерфейсам.
func (p *HostProbe) NetErrors(ctx context.Context) (uint64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения сетевых счётчиков: %w", err)
	}
	var total uint64
	for _, c := range counters {
		total += c.Errin + c.Errout
	}
	return total, nil
}
