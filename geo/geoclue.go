package geo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/paulmach/orb"
)

const (
	geoclueService   = "org.freedesktop.GeoClue2"
	geoclueManager   = "/org/freedesktop/GeoClue2/Manager"
	geoclueClient    = "org.freedesktop.GeoClue2.Client"
	geoclueLocation  = "org.freedesktop.GeoClue2.Location"
	accuracyCity     = uint32(4)
	accuracyExact    = uint32(8)
	dbusAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
)

// GeoClue asks the GeoClue2 service on the system bus for one fix.
type GeoClue struct {
	DesktopID string
}

func (g GeoClue) Locate(ctx context.Context, opts Options) (Fix, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return Fix{}, fmt.Errorf("%w: system bus: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	manager := conn.Object(geoclueService, geoclueManager)
	var clientPath dbus.ObjectPath
	if err := manager.CallWithContext(ctx, geoclueService+".Manager.GetClient", 0).Store(&clientPath); err != nil {
		return Fix{}, dbusError("GetClient", err)
	}
	defer manager.CallWithContext(context.Background(), geoclueService+".Manager.DeleteClient", 0, clientPath)

	client := conn.Object(geoclueService, clientPath)
	desktopID := g.DesktopID
	if desktopID == "" {
		desktopID = "noisemap"
	}
	if err := client.SetProperty(geoclueClient+".DesktopId", dbus.MakeVariant(desktopID)); err != nil {
		return Fix{}, dbusError("DesktopId", err)
	}
	level := accuracyCity
	if opts.HighAccuracy {
		level = accuracyExact
	}
	if err := client.SetProperty(geoclueClient+".RequestedAccuracyLevel", dbus.MakeVariant(level)); err != nil {
		return Fix{}, dbusError("RequestedAccuracyLevel", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(clientPath),
		dbus.WithMatchInterface(geoclueClient),
		dbus.WithMatchMember("LocationUpdated"),
	); err != nil {
		return Fix{}, dbusError("AddMatch", err)
	}
	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	if err := client.CallWithContext(ctx, geoclueClient+".Start", 0).Err; err != nil {
		return Fix{}, dbusError("Start", err)
	}
	defer client.CallWithContext(context.Background(), geoclueClient+".Stop", 0)

	for {
		select {
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return Fix{}, fmt.Errorf("%w: bus closed", ErrUnavailable)
			}
			if sig.Path != clientPath || sig.Name != geoclueClient+".LocationUpdated" || len(sig.Body) < 2 {
				continue
			}
			locPath, ok := sig.Body[1].(dbus.ObjectPath)
			if !ok {
				continue
			}
			return readLocation(conn.Object(geoclueService, locPath))
		}
	}
}

func readLocation(obj dbus.BusObject) (Fix, error) {
	lat, err := floatProperty(obj, "Latitude")
	if err != nil {
		return Fix{}, err
	}
	lng, err := floatProperty(obj, "Longitude")
	if err != nil {
		return Fix{}, err
	}
	accuracy, _ := floatProperty(obj, "Accuracy")
	return Fix{
		Point:     orb.Point{lng, lat},
		Accuracy:  accuracy,
		Timestamp: time.Now(),
		Source:    "geoclue",
	}, nil
}

func floatProperty(obj dbus.BusObject, name string) (float64, error) {
	v, err := obj.GetProperty(geoclueLocation + "." + name)
	if err != nil {
		return 0, dbusError(name, err)
	}
	f, ok := v.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %s has type %s", ErrUnavailable, name, v.Signature())
	}
	return f, nil
}

func dbusError(op string, err error) error {
	name := ""
	var de dbus.Error
	var pde *dbus.Error
	switch {
	case errors.As(err, &de):
		name = de.Name
	case errors.As(err, &pde):
		name = pde.Name
	}
	if name == dbusAccessDenied || strings.Contains(err.Error(), "AccessDenied") {
		return fmt.Errorf("%w: geoclue %s: %v", ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%w: geoclue %s: %v", ErrUnavailable, op, err)
}
