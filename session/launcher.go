package session

import (
	"context"

	"github.com/hazyhaar/domsteer/driver"
)

// DriverLauncher adapts a driver.Driver to the Launcher interface.
type DriverLauncher struct {
	Driver *driver.Driver
}

func (l DriverLauncher) Launch(ctx context.Context, spec driver.LaunchSpec) (Browser, error) {
	b, err := l.Driver.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return driverBrowser{b}, nil
}

// driverBrowser narrows *driver.Browser's NewPage to the Page interface.
type driverBrowser struct {
	*driver.Browser
}

func (b driverBrowser) NewPage(ctx context.Context, pageURL string) (Page, error) {
	return b.Browser.NewPage(ctx, pageURL)
}
