package showsync

// Per-collection conveniences over the generic mutation operations. UI code
// calls these; they share one journal/persistence path.

func (s *Store) AddSource(e Entity) error    { return s.AddEntity(ResourceSources, e) }
func (s *Store) AddSend(e Entity) error      { return s.AddEntity(ResourceSends, e) }
func (s *Store) AddCamera(e Entity) error    { return s.AddEntity(ResourceCameras, e) }
func (s *Store) AddCCU(e Entity) error       { return s.AddEntity(ResourceCCUs, e) }
func (s *Store) AddLEDScreen(e Entity) error { return s.AddEntity(ResourceLEDScreens, e) }
func (s *Store) AddChecklistItem(e Entity) error {
	return s.AddEntity(ResourceChecklistItems, e)
}
func (s *Store) AddIPAddress(e Entity) error   { return s.AddEntity(ResourceIPAddresses, e) }
func (s *Store) AddMediaServer(e Entity) error { return s.AddEntity(ResourceMediaServers, e) }

func (s *Store) UpdateSource(id string, partial map[string]any) error {
	return s.UpdateEntity(ResourceSources, id, partial)
}
func (s *Store) UpdateSend(id string, partial map[string]any) error {
	return s.UpdateEntity(ResourceSends, id, partial)
}
func (s *Store) UpdateCamera(id string, partial map[string]any) error {
	return s.UpdateEntity(ResourceCameras, id, partial)
}
func (s *Store) UpdateCCU(id string, partial map[string]any) error {
	return s.UpdateEntity(ResourceCCUs, id, partial)
}
func (s *Store) UpdateLEDScreen(id string, partial map[string]any) error {
	return s.UpdateEntity(ResourceLEDScreens, id, partial)
}
func (s *Store) UpdateChecklistItem(id string, partial map[string]any) error {
	return s.UpdateEntity(ResourceChecklistItems, id, partial)
}
func (s *Store) UpdateIPAddress(id string, partial map[string]any) error {
	return s.UpdateEntity(ResourceIPAddresses, id, partial)
}
func (s *Store) UpdateMediaServer(id string, partial map[string]any) error {
	return s.UpdateEntity(ResourceMediaServers, id, partial)
}

func (s *Store) DeleteSource(id string) error    { return s.DeleteEntity(ResourceSources, id) }
func (s *Store) DeleteSend(id string) error      { return s.DeleteEntity(ResourceSends, id) }
func (s *Store) DeleteCamera(id string) error    { return s.DeleteEntity(ResourceCameras, id) }
func (s *Store) DeleteCCU(id string) error       { return s.DeleteEntity(ResourceCCUs, id) }
func (s *Store) DeleteLEDScreen(id string) error { return s.DeleteEntity(ResourceLEDScreens, id) }
func (s *Store) DeleteChecklistItem(id string) error {
	return s.DeleteEntity(ResourceChecklistItems, id)
}
func (s *Store) DeleteIPAddress(id string) error {
	return s.DeleteEntity(ResourceIPAddresses, id)
}
func (s *Store) DeleteMediaServer(id string) error {
	return s.DeleteEntity(ResourceMediaServers, id)
}
